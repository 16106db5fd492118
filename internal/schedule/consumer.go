package schedule

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/SolidCitadel/UniSync/pkg/dispatch"
	"github.com/SolidCitadel/UniSync/pkg/event"
)

// Queues はスケジュールサービスが購読するキュー。
func Queues() []string {
	return []string{event.QueueCourseToSchedule}
}

// RegisterHandlers はディスパッチャにイベントハンドラを登録する。
func (s *Server) RegisterHandlers(d *dispatch.Dispatcher) {
	d.Register(event.TypeScheduleAssignmentUpserted, s.handleAssignmentUpserted)
	d.Register(event.TypeScheduleAssignmentDeleted, s.handleAssignmentDeleted)
	d.Register(event.TypeCourseDisabled, s.handleCourseDisabled)
}

func decodeSchedule(env *event.Envelope) (*event.ScheduleAssignmentData, error) {
	data, err := event.DecodePayload[event.ScheduleAssignmentData](env)
	if err != nil {
		return nil, dispatch.Permanent(err)
	}
	if data.CognitoSub == "" || data.CanvasAssignmentID <= 0 {
		return nil, dispatch.Permanent(errors.New("cognitoSub と canvasAssignmentId は必須です"))
	}
	return data, nil
}

// handleAssignmentUpserted はユーザーの予定に課題を反映する。
// 締切のない課題は予定に載せず、既にあれば取り除く。
func (s *Server) handleAssignmentUpserted(ctx context.Context, env *event.Envelope) error {
	data, err := decodeSchedule(env)
	if err != nil {
		return err
	}
	if data.DueAt == nil {
		return s.removeSchedule(ctx, env, data)
	}

	changed, err := upsertSchedule(ctx, s.db, toRow(data), env.ProducedAt, s.now())
	if err != nil {
		return err
	}

	log := s.logger.With(
		zap.String("sub", data.CognitoSub),
		zap.Int64("canvas_assignment_id", data.CanvasAssignmentID))
	if !changed {
		log.Info("古いイベントのため予定を更新しませんでした", zap.Time("produced_at", env.ProducedAt))
		return nil
	}
	log.Info("予定を反映しました")
	return nil
}

func toRow(data *event.ScheduleAssignmentData) *scheduleRow {
	return &scheduleRow{
		CognitoSub:         data.CognitoSub,
		AssignmentID:       data.AssignmentID,
		CanvasAssignmentID: data.CanvasAssignmentID,
		CourseID:           data.CourseID,
		CanvasCourseID:     data.CanvasCourseID,
		CourseName:         data.CourseName,
		Title:              data.Title,
		Description:        data.Description,
		DueAt:              data.DueAt,
		PointsPossible:     data.PointsPossible,
	}
}

// handleAssignmentDeleted はユーザーの予定から課題を取り除く。
func (s *Server) handleAssignmentDeleted(ctx context.Context, env *event.Envelope) error {
	data, err := decodeSchedule(env)
	if err != nil {
		return err
	}
	return s.removeSchedule(ctx, env, data)
}

func (s *Server) removeSchedule(ctx context.Context, env *event.Envelope, data *event.ScheduleAssignmentData) error {
	applied, err := deleteSchedule(ctx, s.db, toRow(data), env.ProducedAt, s.now())
	if err != nil {
		return err
	}
	s.logger.Info("予定を削除しました",
		zap.String("sub", data.CognitoSub),
		zap.Int64("canvas_assignment_id", data.CanvasAssignmentID),
		zap.Bool("applied", applied))
	return nil
}

// handleCourseDisabled は同期を無効にした科目の予定をユーザーから取り除く。
func (s *Server) handleCourseDisabled(ctx context.Context, env *event.Envelope) error {
	data, err := event.DecodePayload[event.CourseDisabledData](env)
	if err != nil {
		return dispatch.Permanent(err)
	}
	if data.CognitoSub == "" || data.CourseID <= 0 {
		return dispatch.Permanent(errors.New("cognitoSub と courseId は必須です"))
	}

	n, err := deleteCourseSchedules(ctx, s.db, data.CognitoSub, data.CourseID, env.ProducedAt, s.now())
	if err != nil {
		return err
	}
	s.logger.Info("科目の予定を削除しました",
		zap.String("sub", data.CognitoSub),
		zap.Int64("course_id", data.CourseID),
		zap.Int64("deleted", n))
	return nil
}
