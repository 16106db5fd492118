// Package course はコースサービスの内部実装を提供する。
//
// 同期ワーカーが発行する受講登録と課題のイベントを消費して科目・受講・課題を保持し、
// 受講者ごとの予定の変更をアウトボックス経由でscheduleサービスへ発行する。
// 科目の最初の受講者を同期リーダーとし、新しい科目を登録したときは課題の同期を要求する。
package course
