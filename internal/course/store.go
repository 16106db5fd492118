package course

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// timeLayout は文字列比較で時刻順になる固定幅の書式。
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// errNotFound は対象の行が存在しないことを表す。
var errNotFound = errors.New("見つかりません")

// queryer は *sql.DB と *sql.Tx の共通部分。
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// courseRow は科目。
type courseRow struct {
	ID             int64
	CanvasCourseID int64
	Name           string
	CourseCode     string
}

// enrollmentRow は受講者と科目の関係。
type enrollmentRow struct {
	ID            int64          `json:"enrollmentId"`
	CognitoSub    string         `json:"-"`
	Course        courseResponse `json:"course"`
	IsSyncLeader  bool           `json:"isSyncLeader"`
	IsSyncEnabled bool           `json:"isSyncEnabled"`
}

// courseResponse は科目の応答形式。
type courseResponse struct {
	ID             int64  `json:"id"`
	CanvasCourseID int64  `json:"canvasCourseId"`
	Name           string `json:"name"`
	CourseCode     string `json:"courseCode"`
}

// assignmentRow は課題。
type assignmentRow struct {
	ID                 int64      `json:"id"`
	CanvasAssignmentID int64      `json:"canvasAssignmentId"`
	CourseID           int64      `json:"courseId"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	DueAt              *time.Time `json:"dueAt"`
	PointsPossible     int        `json:"pointsPossible"`
	SubmissionTypes    string     `json:"submissionTypes"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// nullTime はnilをNULLとして保存するための値を返す。
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, fmt.Errorf("日時の解析に失敗: %w", err)
	}
	return &t, nil
}

func findCourseByCanvasID(ctx context.Context, q queryer, canvasCourseID int64) (*courseRow, error) {
	return findCourse(ctx, q, "canvas_course_id", canvasCourseID)
}

func findCourseByID(ctx context.Context, q queryer, id int64) (*courseRow, error) {
	return findCourse(ctx, q, "id", id)
}

// findCourse はcolumnの値で科目を1件取得する。columnは定数のみ渡すこと。
func findCourse(ctx context.Context, q queryer, column string, value int64) (*courseRow, error) {
	var c courseRow
	err := q.QueryRowContext(ctx,
		`SELECT id, canvas_course_id, name, course_code FROM courses WHERE `+column+` = ?`, value).
		Scan(&c.ID, &c.CanvasCourseID, &c.Name, &c.CourseCode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("科目の取得に失敗: %w", err)
	}
	return &c, nil
}

func insertCourse(ctx context.Context, q queryer, c *courseRow, workflowState string, startAt, endAt *time.Time, now time.Time) error {
	ts := formatTime(now)
	res, err := q.ExecContext(ctx, `
		INSERT INTO courses (canvas_course_id, name, course_code, workflow_state, start_at, end_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CanvasCourseID, c.Name, c.CourseCode, workflowState, nullTime(startAt), nullTime(endAt), ts, ts)
	if err != nil {
		return fmt.Errorf("科目の登録に失敗: %w", err)
	}
	c.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("科目IDの取得に失敗: %w", err)
	}
	return nil
}

// insertEnrollment は受講を登録する。既に登録済みの場合は何もしない。
func insertEnrollment(ctx context.Context, q queryer, sub string, courseID int64, leader bool, now time.Time) (bool, error) {
	ts := formatTime(now)
	res, err := q.ExecContext(ctx, `
		INSERT INTO enrollments (cognito_sub, course_id, is_sync_leader, is_sync_enabled, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT (cognito_sub, course_id) DO NOTHING`,
		sub, courseID, leader, ts, ts)
	if err != nil {
		return false, fmt.Errorf("受講の登録に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("登録件数の取得に失敗: %w", err)
	}
	return n == 1, nil
}

// syncEnabledSubjects は科目の同期が有効な受講者を返す。
func syncEnabledSubjects(ctx context.Context, q queryer, courseID int64) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT cognito_sub FROM enrollments WHERE course_id = ? AND is_sync_enabled = 1 ORDER BY id`, courseID)
	if err != nil {
		return nil, fmt.Errorf("受講者の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []string
	for rows.Next() {
		var sub string
		if err := rows.Scan(&sub); err != nil {
			return nil, fmt.Errorf("受講者の読み取りに失敗: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// upsertAssignment は課題を登録または更新し、課題IDを返す。
func upsertAssignment(ctx context.Context, q queryer, a *assignmentRow, now time.Time) error {
	ts := formatTime(now)
	err := q.QueryRowContext(ctx, `
		INSERT INTO assignments (canvas_assignment_id, course_id, title, description, due_at,
			points_possible, submission_types, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (canvas_assignment_id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			due_at = excluded.due_at,
			points_possible = excluded.points_possible,
			submission_types = excluded.submission_types,
			updated_at = excluded.updated_at
		RETURNING id`,
		a.CanvasAssignmentID, a.CourseID, a.Title, a.Description, nullTime(a.DueAt),
		a.PointsPossible, a.SubmissionTypes, ts, ts).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("課題の保存に失敗: %w", err)
	}
	return nil
}

func findAssignmentByCanvasID(ctx context.Context, q queryer, canvasAssignmentID int64) (*assignmentRow, error) {
	var (
		a   assignmentRow
		due sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, canvas_assignment_id, course_id, title, description, due_at, points_possible, submission_types
		FROM assignments WHERE canvas_assignment_id = ?`, canvasAssignmentID).
		Scan(&a.ID, &a.CanvasAssignmentID, &a.CourseID, &a.Title, &a.Description, &due, &a.PointsPossible, &a.SubmissionTypes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("課題の取得に失敗: %w", err)
	}
	if a.DueAt, err = parseNullTime(due); err != nil {
		return nil, err
	}
	return &a, nil
}

func deleteAssignment(ctx context.Context, q queryer, id int64) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM assignments WHERE id = ?`, id); err != nil {
		return fmt.Errorf("課題の削除に失敗: %w", err)
	}
	return nil
}

// listAssignments は科目の課題を締切順に返す。
func listAssignments(ctx context.Context, q queryer, courseID int64) ([]assignmentRow, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, canvas_assignment_id, course_id, title, description, due_at, points_possible, submission_types
		FROM assignments WHERE course_id = ? ORDER BY due_at IS NULL, due_at, id`, courseID)
	if err != nil {
		return nil, fmt.Errorf("課題一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	assignments := []assignmentRow{}
	for rows.Next() {
		var (
			a   assignmentRow
			due sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.CanvasAssignmentID, &a.CourseID, &a.Title, &a.Description, &due, &a.PointsPossible, &a.SubmissionTypes); err != nil {
			return nil, fmt.Errorf("課題の読み取りに失敗: %w", err)
		}
		if a.DueAt, err = parseNullTime(due); err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

const enrollmentColumns = `
	e.id, e.cognito_sub, e.is_sync_leader, e.is_sync_enabled,
	c.id, c.canvas_course_id, c.name, c.course_code`

func scanEnrollment(scan func(dest ...any) error) (*enrollmentRow, error) {
	var e enrollmentRow
	if err := scan(&e.ID, &e.CognitoSub, &e.IsSyncLeader, &e.IsSyncEnabled,
		&e.Course.ID, &e.Course.CanvasCourseID, &e.Course.Name, &e.Course.CourseCode); err != nil {
		return nil, err
	}
	return &e, nil
}

// listEnrollments はユーザーの受講一覧を返す。
func listEnrollments(ctx context.Context, q queryer, sub string) ([]enrollmentRow, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+enrollmentColumns+`
		FROM enrollments e JOIN courses c ON c.id = e.course_id
		WHERE e.cognito_sub = ? ORDER BY c.name, e.id`, sub)
	if err != nil {
		return nil, fmt.Errorf("受講一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	enrollments := []enrollmentRow{}
	for rows.Next() {
		e, err := scanEnrollment(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("受講の読み取りに失敗: %w", err)
		}
		enrollments = append(enrollments, *e)
	}
	return enrollments, rows.Err()
}

func getEnrollment(ctx context.Context, q queryer, id int64) (*enrollmentRow, error) {
	e, err := scanEnrollment(q.QueryRowContext(ctx, `SELECT `+enrollmentColumns+`
		FROM enrollments e JOIN courses c ON c.id = e.course_id
		WHERE e.id = ?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("受講の取得に失敗: %w", err)
	}
	return e, nil
}

// isEnrolled はユーザーが科目を受講しているかを返す。
func isEnrolled(ctx context.Context, q queryer, sub string, courseID int64) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM enrollments WHERE cognito_sub = ? AND course_id = ?`, sub, courseID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("受講の確認に失敗: %w", err)
	}
	return n > 0, nil
}

func setSyncEnabled(ctx context.Context, q queryer, id int64, enabled bool, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE enrollments SET is_sync_enabled = ?, updated_at = ? WHERE id = ?`, enabled, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("同期設定の更新に失敗: %w", err)
	}
	return nil
}

// inTx はfnをトランザクション内で実行する。fnがエラーを返した場合はロールバックする。
func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}
	return nil
}
