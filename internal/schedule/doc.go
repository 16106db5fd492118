// Package schedule はスケジュールサービスの内部実装を提供する。
//
// courseサービスが受講者ごとに発行する課題の予定イベントを消費し、ユーザーの予定として保持する。
package schedule
