package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// timeLayout は文字列比較で時刻順になる固定幅の書式。
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// scheduleRow はユーザーの予定。
type scheduleRow struct {
	ID                 int64      `json:"id"`
	CognitoSub         string     `json:"-"`
	Source             string     `json:"source"`
	AssignmentID       int64      `json:"assignmentId"`
	CanvasAssignmentID int64      `json:"canvasAssignmentId"`
	CourseID           int64      `json:"courseId"`
	CanvasCourseID     int64      `json:"canvasCourseId"`
	CourseName         string     `json:"courseName"`
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	DueAt              *time.Time `json:"dueAt,omitempty"`
	PointsPossible     int        `json:"pointsPossible,omitempty"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// listFilter は予定一覧の絞り込み条件。ゼロ値の項目は条件に含めない。
type listFilter struct {
	CourseID int64
	From     *time.Time
	To       *time.Time
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// upsertSchedule は予定を登録または更新し、変更があったかを返す。
// 既存の予定より古いイベントによる更新は無視する。削除済みの予定は削除より新しいイベントでのみ復活させ、
// 同期を無効にした科目の予定は無効化より新しいイベントでのみ登録する。
func upsertSchedule(ctx context.Context, db *sql.DB, s *scheduleRow, producedAt, now time.Time) (bool, error) {
	produced := formatTime(producedAt)
	res, err := db.ExecContext(ctx, `
		INSERT INTO schedules (cognito_sub, assignment_id, canvas_assignment_id, course_id, canvas_course_id,
		                       course_name, title, description, due_at, points_possible,
		                       source_produced_at, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		 WHERE NOT EXISTS (
		       SELECT 1 FROM course_removals
		        WHERE cognito_sub = ? AND course_id = ? AND source_produced_at >= ?)
		ON CONFLICT(cognito_sub, canvas_assignment_id) DO UPDATE SET
		    assignment_id = excluded.assignment_id,
		    course_id = excluded.course_id,
		    canvas_course_id = excluded.canvas_course_id,
		    course_name = excluded.course_name,
		    title = excluded.title,
		    description = excluded.description,
		    due_at = excluded.due_at,
		    points_possible = excluded.points_possible,
		    source_produced_at = excluded.source_produced_at,
		    updated_at = excluded.updated_at,
		    deleted_at = NULL
		WHERE excluded.source_produced_at > schedules.source_produced_at
		   OR (schedules.deleted_at IS NULL AND excluded.source_produced_at = schedules.source_produced_at)`,
		s.CognitoSub, s.AssignmentID, s.CanvasAssignmentID, s.CourseID, s.CanvasCourseID,
		s.CourseName, s.Title, s.Description, nullTime(s.DueAt), s.PointsPossible,
		produced, formatTime(now), formatTime(now),
		s.CognitoSub, s.CourseID, produced)
	if err != nil {
		return false, fmt.Errorf("予定の保存に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("予定の保存に失敗: %w", err)
	}
	return n > 0, nil
}

// deleteSchedule はユーザーの課題の予定に削除済みの印を付け、反映したかを返す。
// 予定がまだなければ印だけの行を作り、削除より古い登録イベントが後から届いても予定に載せない。
func deleteSchedule(ctx context.Context, db *sql.DB, s *scheduleRow, producedAt, now time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO schedules (cognito_sub, assignment_id, canvas_assignment_id, course_id, canvas_course_id,
		                       title, source_produced_at, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, '', ?, ?, ?, ?)
		ON CONFLICT(cognito_sub, canvas_assignment_id) DO UPDATE SET
		    source_produced_at = excluded.source_produced_at,
		    updated_at = excluded.updated_at,
		    deleted_at = excluded.deleted_at
		WHERE excluded.source_produced_at >= schedules.source_produced_at`,
		s.CognitoSub, s.AssignmentID, s.CanvasAssignmentID, s.CourseID, s.CanvasCourseID,
		formatTime(producedAt), formatTime(now), formatTime(now), formatTime(now))
	if err != nil {
		return false, fmt.Errorf("予定の削除に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("予定の削除に失敗: %w", err)
	}
	return n > 0, nil
}

// deleteCourseSchedules はユーザーの科目の予定をすべて削除済みにし、その件数を返す。
// 無効化の時刻を科目ごとに記録し、それより古い登録イベントを受け付けない。
func deleteCourseSchedules(ctx context.Context, db *sql.DB, sub string, courseID int64, producedAt, now time.Time) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	produced := formatTime(producedAt)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO course_removals (cognito_sub, course_id, source_produced_at)
		VALUES (?, ?, ?)
		ON CONFLICT(cognito_sub, course_id) DO UPDATE SET
		    source_produced_at = excluded.source_produced_at
		WHERE excluded.source_produced_at > course_removals.source_produced_at`,
		sub, courseID, produced); err != nil {
		return 0, fmt.Errorf("科目の無効化の記録に失敗: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE schedules
		   SET deleted_at = ?, source_produced_at = ?, updated_at = ?
		 WHERE cognito_sub = ? AND course_id = ? AND deleted_at IS NULL AND source_produced_at <= ?`,
		formatTime(now), produced, formatTime(now), sub, courseID, produced)
	if err != nil {
		return 0, fmt.Errorf("科目の予定の削除に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("科目の予定の削除に失敗: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("コミットに失敗: %w", err)
	}
	return n, nil
}

// listSchedules はユーザーの予定を締切順に返す。締切のない予定は最後に並べる。
func listSchedules(ctx context.Context, db *sql.DB, sub string, f listFilter) ([]scheduleRow, error) {
	var (
		where = []string{"cognito_sub = ?", "deleted_at IS NULL"}
		args  = []any{sub}
	)
	if f.CourseID > 0 {
		where = append(where, "course_id = ?")
		args = append(args, f.CourseID)
	}
	if f.From != nil {
		where = append(where, "due_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		where = append(where, "due_at < ?")
		args = append(args, formatTime(*f.To))
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, cognito_sub, source, assignment_id, canvas_assignment_id, course_id, canvas_course_id,
		       course_name, title, description, due_at, points_possible, updated_at
		  FROM schedules
		 WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY due_at IS NULL, due_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("予定一覧の取得に失敗: %w", err)
	}
	defer rows.Close()

	schedules := []scheduleRow{}
	for rows.Next() {
		var (
			s         scheduleRow
			dueAt     sql.NullString
			updatedAt string
		)
		if err := rows.Scan(&s.ID, &s.CognitoSub, &s.Source, &s.AssignmentID, &s.CanvasAssignmentID,
			&s.CourseID, &s.CanvasCourseID, &s.CourseName, &s.Title, &s.Description,
			&dueAt, &s.PointsPossible, &updatedAt); err != nil {
			return nil, fmt.Errorf("予定の読み込みに失敗: %w", err)
		}
		if dueAt.Valid {
			t, err := time.Parse(timeLayout, dueAt.String)
			if err != nil {
				return nil, fmt.Errorf("締切の解析に失敗: %w", err)
			}
			s.DueAt = &t
		}
		if s.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
			return nil, fmt.Errorf("更新日時の解析に失敗: %w", err)
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}
