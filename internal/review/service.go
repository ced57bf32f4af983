// Package review holds the grader-side operations on submitted attempts:
// manual scoring of subjective answers and bulk regrading after a key change.
package review

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/mind-engage/mindengage-exams/internal/exam"
	"github.com/mind-engage/mindengage-exams/internal/grading"
	"github.com/mind-engage/mindengage-exams/internal/metrics"
	syncx "github.com/mind-engage/mindengage-exams/internal/sync"
	"github.com/mind-engage/mindengage-exams/internal/tracing"
)

// maxConflictRetries bounds re-reads when a concurrent writer bumps the version.
const maxConflictRetries = 3

// regradeBatch is the page size used to walk all submissions.
const regradeBatch = 200

type Service struct {
	store  exam.Store
	grader *grading.Engine
	events syncx.Recorder
	log    *zap.Logger
}

func New(store exam.Store, grader *grading.Engine, events syncx.Recorder, log *zap.Logger) *Service {
	if grader == nil {
		grader = grading.New()
	}
	if events == nil {
		events = syncx.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, grader: grader, events: events, log: log}
}

// Grade is one manual score for a question.
type Grade struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback,omitempty"`
}

// ManualGrade scores a single subjective question of a submitted attempt.
func (s *Service) ManualGrade(ctx context.Context, gradedBy, submissionID, questionID string, score float64, feedback string) (exam.Submission, error) {
	return s.Apply(ctx, gradedBy, submissionID, map[string]Grade{questionID: {Score: score, Feedback: feedback}}, false)
}

// Apply records manual scores and recomputes the submission total and status.
// With finalize the attempt moves to REVIEWED, which requires every question
// to be resolved.
func (s *Service) Apply(ctx context.Context, gradedBy, submissionID string, items map[string]Grade, finalize bool) (exam.Submission, error) {
	ctx, span := tracing.Tracer.Start(ctx, "review.Apply")
	defer span.End()
	span.SetAttributes(attribute.String("submission.id", submissionID), attribute.Int("items", len(items)))

	if len(items) == 0 && !finalize {
		return exam.Submission{}, fmt.Errorf("%w: no grades given", exam.ErrValidation)
	}
	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		sub, err := s.applyOnce(ctx, gradedBy, submissionID, items, finalize)
		if err == nil {
			metrics.ManualGrades.Add(float64(len(items)))
			s.record(ctx, sub)
			s.log.Info("manual grade applied",
				zap.String("submission", sub.ID), zap.String("by", gradedBy),
				zap.Int("items", len(items)), zap.String("status", string(sub.Status)),
				zap.Float64("score", sub.Score))
			return sub, nil
		}
		if !errors.Is(err, exam.ErrConflict) {
			return exam.Submission{}, err
		}
		lastErr = err
	}
	return exam.Submission{}, lastErr
}

func (s *Service) applyOnce(ctx context.Context, gradedBy, submissionID string, items map[string]Grade, finalize bool) (exam.Submission, error) {
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return exam.Submission{}, err
	}
	if !sub.Submitted() {
		return exam.Submission{}, fmt.Errorf("submission %s is still in progress: %w", submissionID, exam.ErrInvalidState)
	}
	e, err := s.store.GetExam(ctx, sub.ExamID)
	if err != nil {
		return exam.Submission{}, err
	}

	if sub.QuestionResults == nil {
		sub.QuestionResults = map[string]exam.QuestionResult{}
	}
	for qid, g := range items {
		q, ok := e.Question(qid)
		if !ok {
			return exam.Submission{}, fmt.Errorf("question %s: %w", qid, exam.ErrNotFound)
		}
		// objective scores belong to the engine; a regrade would overwrite them anyway
		if q.Type.Objective() {
			return exam.Submission{}, fmt.Errorf("%w: question %s is auto-graded", exam.ErrValidation, qid)
		}
		if g.Score < 0 || g.Score > q.Points {
			return exam.Submission{}, fmt.Errorf("%w: score %g for %s outside 0..%g", exam.ErrValidation, g.Score, qid, q.Points)
		}
		sub.QuestionResults[qid] = exam.QuestionResult{
			Score:     g.Score,
			IsCorrect: g.Score == q.Points,
			Feedback:  g.Feedback,
			Manual:    true,
			GradedBy:  gradedBy,
		}
	}

	resolved := true
	for _, q := range e.Questions {
		r, ok := sub.QuestionResults[q.ID]
		if !grading.Resolved(q, r, ok) {
			resolved = false
			break
		}
	}
	sub.Score = grading.SumScores(e, sub.QuestionResults)
	switch {
	case finalize && !resolved:
		return exam.Submission{}, fmt.Errorf("%w: ungraded questions remain", exam.ErrInvalidState)
	case finalize:
		sub.Status = exam.StatusReviewed
	case !resolved:
		sub.Status = exam.StatusPendingManualReview
	case sub.Status != exam.StatusReviewed:
		sub.Status = exam.StatusGraded
	}

	if err := s.store.UpdateResults(ctx, sub); err != nil {
		return exam.Submission{}, err
	}
	sub.Version++
	return sub, nil
}

func (s *Service) record(ctx context.Context, sub exam.Submission) {
	if err := s.events.Record(ctx, syncx.TypeGraded, sub.ID, map[string]any{
		"exam_id": sub.ExamID, "status": sub.Status, "score": sub.Score,
	}); err != nil {
		s.log.Warn("event log append failed", zap.String("submission", sub.ID), zap.Error(err))
	}
}

// RegradeReport summarizes a RegradeAll run.
type RegradeReport struct {
	Scanned   int `json:"scanned"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
}

// RegradeAll re-scores every submitted attempt against the current exam
// definitions. Manual subjective scores survive; records are only written when
// something changed, so a second run updates nothing. A failing record is
// logged and skipped.
func (s *Service) RegradeAll(ctx context.Context) (RegradeReport, error) {
	ctx, span := tracing.Tracer.Start(ctx, "review.RegradeAll")
	defer span.End()

	var rep RegradeReport
	exams := map[string]*exam.Exam{}
	for offset := 0; ; offset += regradeBatch {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		subs, err := s.store.ListSubmissions(ctx, exam.SubmissionListOpts{Limit: regradeBatch, Offset: offset})
		if err != nil {
			return rep, fmt.Errorf("list submissions: %w", err)
		}
		for _, sub := range subs {
			if !sub.Submitted() {
				continue
			}
			rep.Scanned++
			changed, err := s.regradeOne(ctx, sub, exams)
			switch {
			case err != nil:
				rep.Failed++
				metrics.Regraded.WithLabelValues("failed").Inc()
				s.log.Warn("regrade failed", zap.String("submission", sub.ID), zap.Error(err))
			case changed:
				rep.Updated++
				metrics.Regraded.WithLabelValues("updated").Inc()
			default:
				rep.Unchanged++
				metrics.Regraded.WithLabelValues("unchanged").Inc()
			}
		}
		if len(subs) < regradeBatch {
			break
		}
	}
	span.SetAttributes(attribute.Int("updated", rep.Updated), attribute.Int("failed", rep.Failed))
	s.log.Info("regrade finished",
		zap.Int("scanned", rep.Scanned), zap.Int("updated", rep.Updated),
		zap.Int("unchanged", rep.Unchanged), zap.Int("failed", rep.Failed))
	return rep, nil
}

func (s *Service) regradeOne(ctx context.Context, sub exam.Submission, cache map[string]*exam.Exam) (bool, error) {
	e, ok := cache[sub.ExamID]
	if !ok {
		got, err := s.store.GetExam(ctx, sub.ExamID)
		if err != nil {
			cache[sub.ExamID] = nil
			return false, err
		}
		e = &got
		cache[sub.ExamID] = e
	}
	if e == nil {
		return false, fmt.Errorf("exam %s: %w", sub.ExamID, exam.ErrNotFound)
	}

	out, err := s.grader.Grade(*e, grading.Input{Answers: sub.Answers, Prior: sub.QuestionResults, Late: sub.Late})
	if err != nil {
		return false, err
	}
	status := out.Status
	if sub.Status == exam.StatusReviewed && status == exam.StatusGraded {
		status = exam.StatusReviewed
	}
	if status == sub.Status && out.Score == sub.Score && reflect.DeepEqual(out.QuestionResults, sub.QuestionResults) {
		return false, nil
	}

	sub.QuestionResults = out.QuestionResults
	sub.Score = out.Score
	sub.Status = status
	if err := s.store.UpdateResults(ctx, sub); err != nil {
		return false, err
	}
	s.record(ctx, sub)
	return true, nil
}
