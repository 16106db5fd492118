package event

import (
	"encoding/json"
	"time"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeUserTokenRegistered はユーザーが外部サービスのトークンを登録したことを表す。
	TypeUserTokenRegistered Type = "USER_TOKEN_REGISTERED"
	// TypeCourseEnrollment はユーザーの受講登録が同期されたことを表す。
	TypeCourseEnrollment Type = "COURSE_ENROLLMENT"
	// TypeAssignmentSyncNeeded は新しい科目の課題同期が必要になったことを表す。
	TypeAssignmentSyncNeeded Type = "ASSIGNMENT_SYNC_NEEDED"

	// TypeAssignmentCreated は同期ワーカーが新しい課題を検出したことを表す。
	TypeAssignmentCreated Type = "ASSIGNMENT_CREATED"
	// TypeAssignmentUpdated は同期ワーカーが課題の更新を検出したことを表す。
	TypeAssignmentUpdated Type = "ASSIGNMENT_UPDATED"
	// TypeAssignmentDeleted は同期ワーカーが課題の削除を検出したことを表す。
	TypeAssignmentDeleted Type = "ASSIGNMENT_DELETED"

	// TypeScheduleAssignmentUpserted はユーザーの予定に課題を反映することを表す。
	TypeScheduleAssignmentUpserted Type = "SCHEDULE_ASSIGNMENT_UPSERTED"
	// TypeScheduleAssignmentDeleted はユーザーの予定から課題を取り除くことを表す。
	TypeScheduleAssignmentDeleted Type = "SCHEDULE_ASSIGNMENT_DELETED"

	// TypeCourseDisabled はユーザーが科目の同期を無効にしたことを表す。
	TypeCourseDisabled Type = "COURSE_DISABLED"
)

// キュー名。デッドレターキューは queue パッケージが "<キュー名>.dlq" として導出する。
const (
	QueueUserTokenRegistered  = "user-token-registered-queue"
	QueueCourseEnrollment     = "course-enrollment-queue"
	QueueAssignmentSyncNeeded = "assignment-sync-needed-queue"
	QueueAssignmentEvents     = "assignment-events-queue"
	QueueCourseToSchedule     = "course-to-schedule-queue"
)

// CurrentSchemaVersion は現在発行しているペイロードのスキーマバージョン。
const CurrentSchemaVersion = 1

// Envelope はキューを流れるドメインイベントの封筒。
// 発行元のビジネス状態がコミットされた後に生成される。
type Envelope struct {
	// EventType はイベントの種類。コンシューマはこの値でハンドラを選択する。
	EventType Type `json:"eventType"`
	// IdempotencyKey はビジネス上の出来事ごとに決定的な冪等キー。
	IdempotencyKey string `json:"idempotencyKey"`
	// SchemaVersion はPayloadのスキーマバージョン。
	SchemaVersion int `json:"schemaVersion"`
	// Payload はイベント固有のデータ（JSON形式）。
	Payload json.RawMessage `json:"payload"`
	// ProducedAt はイベントが生成された日時。
	ProducedAt time.Time `json:"producedAt"`
	// SourceService は発行元のサービス名。
	SourceService string `json:"sourceService"`
}

// UserTokenRegisteredData はUSER_TOKEN_REGISTEREDイベントのデータ。
type UserTokenRegisteredData struct {
	// CognitoSub はトークンを登録したユーザー。
	CognitoSub string `json:"cognitoSub"`
	// Provider は外部サービス名（例: "CANVAS"）。
	Provider string `json:"provider"`
	// ExternalUserID は外部サービス上のユーザーID。
	ExternalUserID string `json:"externalUserId,omitempty"`
	// ExternalUsername は外部サービス上のユーザー名。
	ExternalUsername string `json:"externalUsername,omitempty"`
	// RegisteredAt は登録日時。
	RegisteredAt time.Time `json:"registeredAt"`
}

// CourseEnrollmentData はCOURSE_ENROLLMENTイベントのデータ。
type CourseEnrollmentData struct {
	CognitoSub     string     `json:"cognitoSub"`
	CanvasCourseID int64      `json:"canvasCourseId"`
	CourseName     string     `json:"courseName"`
	CourseCode     string     `json:"courseCode"`
	WorkflowState  string     `json:"workflowState,omitempty"`
	StartAt        *time.Time `json:"startAt,omitempty"`
	EndAt          *time.Time `json:"endAt,omitempty"`
}

// AssignmentSyncNeededData はASSIGNMENT_SYNC_NEEDEDイベントのデータ。
type AssignmentSyncNeededData struct {
	CourseID       int64 `json:"courseId"`
	CanvasCourseID int64 `json:"canvasCourseId"`
	// LeaderSub は同期に使用するトークンの持ち主。
	LeaderSub string `json:"leaderSub"`
}

// AssignmentData は同期ワーカーが発行するASSIGNMENT_*イベントのデータ。
type AssignmentData struct {
	CanvasAssignmentID int64      `json:"canvasAssignmentId"`
	CanvasCourseID     int64      `json:"canvasCourseId"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	DueAt              *time.Time `json:"dueAt,omitempty"`
	PointsPossible     int        `json:"pointsPossible,omitempty"`
	SubmissionTypes    string     `json:"submissionTypes,omitempty"`
}

// ScheduleAssignmentData はcourseサービスからscheduleサービスへ送る課題データ。
// 受講者ごとに1イベントを発行する。
type ScheduleAssignmentData struct {
	CognitoSub         string     `json:"cognitoSub"`
	AssignmentID       int64      `json:"assignmentId"`
	CanvasAssignmentID int64      `json:"canvasAssignmentId"`
	CourseID           int64      `json:"courseId"`
	CanvasCourseID     int64      `json:"canvasCourseId"`
	CourseName         string     `json:"courseName"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	DueAt              *time.Time `json:"dueAt,omitempty"`
	PointsPossible     int        `json:"pointsPossible,omitempty"`
}

// CourseDisabledData はCOURSE_DISABLEDイベントのデータ。
type CourseDisabledData struct {
	CognitoSub     string `json:"cognitoSub"`
	CourseID       int64  `json:"courseId"`
	CanvasCourseID int64  `json:"canvasCourseId"`
	CourseName     string `json:"courseName"`
}

// Routes はイベント種別から配送先キューへの対応。
// 1つのイベントを複数のキューに配送できる。
type Routes map[Type][]string

// DefaultRoutes はサービス内部で発行するイベントの既定の配送先を返す。
func DefaultRoutes() Routes {
	return Routes{
		TypeUserTokenRegistered:        {QueueUserTokenRegistered},
		TypeAssignmentSyncNeeded:       {QueueAssignmentSyncNeeded},
		TypeScheduleAssignmentUpserted: {QueueCourseToSchedule},
		TypeScheduleAssignmentDeleted:  {QueueCourseToSchedule},
		TypeCourseDisabled:             {QueueCourseToSchedule},
	}
}
