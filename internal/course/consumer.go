package course

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/SolidCitadel/UniSync/pkg/dispatch"
	"github.com/SolidCitadel/UniSync/pkg/event"
	"github.com/SolidCitadel/UniSync/pkg/outbox"
)

// errCourseNotSynced は課題の科目がまだ登録されていないことを表す。
// 受講登録のイベントが後から届けば再試行で解消する。
var errCourseNotSynced = errors.New("科目が未登録です")

// Queues はコースサービスが購読するキュー。
func Queues() []string {
	return []string{event.QueueCourseEnrollment, event.QueueAssignmentEvents}
}

// RegisterHandlers はディスパッチャにイベントハンドラを登録する。
func (s *Server) RegisterHandlers(d *dispatch.Dispatcher) {
	d.Register(event.TypeCourseEnrollment, s.handleCourseEnrollment)
	d.Register(event.TypeAssignmentCreated, s.handleAssignmentUpsert)
	d.Register(event.TypeAssignmentUpdated, s.handleAssignmentUpsert)
	d.Register(event.TypeAssignmentDeleted, s.handleAssignmentDeleted)
}

// handleCourseEnrollment は科目と受講を登録する。
// 新しい科目であれば最初の受講者をリーダーとし、課題の同期を要求する。
func (s *Server) handleCourseEnrollment(ctx context.Context, env *event.Envelope) error {
	data, err := event.DecodePayload[event.CourseEnrollmentData](env)
	if err != nil {
		return dispatch.Permanent(err)
	}
	if data.CognitoSub == "" || data.CanvasCourseID <= 0 {
		return dispatch.Permanent(errors.New("cognitoSub と canvasCourseId は必須です"))
	}

	var (
		course    *courseRow
		newCourse bool
		newEnroll bool
	)
	now := s.now()
	err = inTx(ctx, s.db, func(tx *sql.Tx) error {
		course, err = findCourseByCanvasID(ctx, tx, data.CanvasCourseID)
		switch {
		case errors.Is(err, errNotFound):
			course = &courseRow{CanvasCourseID: data.CanvasCourseID, Name: data.CourseName, CourseCode: data.CourseCode}
			if err := insertCourse(ctx, tx, course, data.WorkflowState, data.StartAt, data.EndAt, now); err != nil {
				return err
			}
			newCourse = true
		case err != nil:
			return err
		}

		if newEnroll, err = insertEnrollment(ctx, tx, data.CognitoSub, course.ID, newCourse, now); err != nil {
			return err
		}
		if !newCourse {
			return nil
		}

		sync, err := event.New(event.TypeAssignmentSyncNeeded,
			event.Key(event.TypeAssignmentSyncNeeded, fmt.Sprint(course.CanvasCourseID)),
			s.source,
			event.AssignmentSyncNeededData{
				CourseID:       course.ID,
				CanvasCourseID: course.CanvasCourseID,
				LeaderSub:      data.CognitoSub,
			})
		if err != nil {
			return err
		}
		return outbox.Enqueue(ctx, tx, sync)
	})
	if err != nil {
		return err
	}
	if newCourse {
		s.relay.Notify()
	}

	s.logger.Info("受講登録を反映しました",
		zap.String("sub", data.CognitoSub),
		zap.Int64("course_id", course.ID),
		zap.Bool("new_course", newCourse),
		zap.Bool("new_enrollment", newEnroll))
	return nil
}

// handleAssignmentUpsert は課題を登録または更新し、同期が有効な受講者の予定へ反映させる。
func (s *Server) handleAssignmentUpsert(ctx context.Context, env *event.Envelope) error {
	data, err := event.DecodePayload[event.AssignmentData](env)
	if err != nil {
		return dispatch.Permanent(err)
	}
	if data.CanvasAssignmentID <= 0 || data.CanvasCourseID <= 0 {
		return dispatch.Permanent(errors.New("canvasAssignmentId と canvasCourseId は必須です"))
	}

	var fanout int
	err = inTx(ctx, s.db, func(tx *sql.Tx) error {
		course, err := findCourseByCanvasID(ctx, tx, data.CanvasCourseID)
		if errors.Is(err, errNotFound) {
			return fmt.Errorf("%w: canvasCourseId=%d", errCourseNotSynced, data.CanvasCourseID)
		}
		if err != nil {
			return err
		}

		a := &assignmentRow{
			CanvasAssignmentID: data.CanvasAssignmentID,
			CourseID:           course.ID,
			Title:              data.Title,
			Description:        data.Description,
			DueAt:              data.DueAt,
			PointsPossible:     data.PointsPossible,
			SubmissionTypes:    data.SubmissionTypes,
		}
		if err := upsertAssignment(ctx, tx, a, s.now()); err != nil {
			return err
		}

		fanout, err = s.fanout(ctx, tx, env, course, event.TypeScheduleAssignmentUpserted, a)
		return err
	})
	if err != nil {
		return err
	}
	s.notifyIf(fanout)

	s.logger.Info("課題を反映しました",
		zap.String("event_type", string(env.EventType)),
		zap.Int64("canvas_assignment_id", data.CanvasAssignmentID),
		zap.Int("fanout", fanout))
	return nil
}

// handleAssignmentDeleted は課題を削除し、受講者の予定から取り除かせる。
// 既に削除済みであれば何もしない。
func (s *Server) handleAssignmentDeleted(ctx context.Context, env *event.Envelope) error {
	data, err := event.DecodePayload[event.AssignmentData](env)
	if err != nil {
		return dispatch.Permanent(err)
	}

	var fanout int
	err = inTx(ctx, s.db, func(tx *sql.Tx) error {
		a, err := findAssignmentByCanvasID(ctx, tx, data.CanvasAssignmentID)
		if errors.Is(err, errNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		// 課題が属する科目はイベントの値ではなく保存済みの課題から引く
		course, err := findCourseByID(ctx, tx, a.CourseID)
		if err != nil {
			return err
		}

		if fanout, err = s.fanout(ctx, tx, env, course, event.TypeScheduleAssignmentDeleted, a); err != nil {
			return err
		}
		return deleteAssignment(ctx, tx, a.ID)
	})
	if err != nil {
		return err
	}
	s.notifyIf(fanout)

	s.logger.Info("課題を削除しました",
		zap.Int64("canvas_assignment_id", data.CanvasAssignmentID),
		zap.Int("fanout", fanout))
	return nil
}

// fanout は同期が有効な受講者ごとに予定の変更イベントをアウトボックスへ追加する。
// 冪等キーは元のイベントと受講者から導出するため、再適用しても同じキーになる。
func (s *Server) fanout(ctx context.Context, tx *sql.Tx, src *event.Envelope, course *courseRow, t event.Type, a *assignmentRow) (int, error) {
	subs, err := syncEnabledSubjects(ctx, tx, course.ID)
	if err != nil {
		return 0, err
	}
	for _, sub := range subs {
		env, err := event.New(t, event.Key(t, src.IdempotencyKey, sub), s.source, event.ScheduleAssignmentData{
			CognitoSub:         sub,
			AssignmentID:       a.ID,
			CanvasAssignmentID: a.CanvasAssignmentID,
			CourseID:           course.ID,
			CanvasCourseID:     course.CanvasCourseID,
			CourseName:         course.Name,
			Title:              a.Title,
			Description:        a.Description,
			DueAt:              a.DueAt,
			PointsPossible:     a.PointsPossible,
		})
		if err != nil {
			return 0, err
		}
		if err := outbox.Enqueue(ctx, tx, env); err != nil {
			return 0, err
		}
	}
	return len(subs), nil
}

func (s *Server) notifyIf(n int) {
	if n > 0 {
		s.relay.Notify()
	}
}
