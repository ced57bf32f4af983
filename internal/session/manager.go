// Package session runs the candidate side of an attempt on the server: start or
// resume, draft autosave, the authoritative clock and the idempotent final submit.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/mind-engage/mindengage-exams/internal/exam"
	"github.com/mind-engage/mindengage-exams/internal/grading"
	"github.com/mind-engage/mindengage-exams/internal/metrics"
	"github.com/mind-engage/mindengage-exams/internal/rbac"
	"github.com/mind-engage/mindengage-exams/internal/release"
	syncx "github.com/mind-engage/mindengage-exams/internal/sync"
	"github.com/mind-engage/mindengage-exams/internal/tracing"
)

// Caller identifies who is acting. Role is checked against the rbac policy.
type Caller struct {
	UserID string
	Role   string
}

type Manager struct {
	store  exam.Store
	grader *grading.Engine
	rbac   *rbac.Checker
	events syncx.Recorder
	log    *zap.Logger
	now    func() time.Time
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }
func WithEvents(r syncx.Recorder) Option    { return func(m *Manager) { m.events = r } }
func WithLogger(l *zap.Logger) Option       { return func(m *Manager) { m.log = l } }
func WithChecker(c *rbac.Checker) Option    { return func(m *Manager) { m.rbac = c } }

func New(store exam.Store, grader *grading.Engine, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		grader: grader,
		rbac:   rbac.NewChecker(nil),
		events: syncx.Nop{},
		log:    zap.NewNop(),
		now:    time.Now,
	}
	if m.grader == nil {
		m.grader = grading.New()
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ClockInfo is the server-side view of an attempt's time budget.
type ClockInfo struct {
	SubmissionID       string    `json:"submission_id"`
	StartedAt          time.Time `json:"started_at"`
	ServerTime         time.Time `json:"server_time"`
	Deadline           time.Time `json:"deadline"`
	DurationMinutes    int       `json:"duration_minutes"`
	DurationVersion    int       `json:"duration_version"`
	GracePeriodSeconds int       `json:"grace_period_seconds"`
	AutoSubmitOnExpiry bool      `json:"auto_submit_on_expiry"`
	RemainingSeconds   int64     `json:"remaining_seconds"`
	Submitted          bool      `json:"submitted"`
}

// Remaining is the allowance left at now, never negative.
func Remaining(e exam.Exam, startedAt, now time.Time) time.Duration {
	left := startedAt.Add(e.Allowance()).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

func clockInfo(e exam.Exam, s exam.Submission, now time.Time) ClockInfo {
	return ClockInfo{
		SubmissionID:       s.ID,
		StartedAt:          s.StartedAt,
		ServerTime:         now,
		Deadline:           s.StartedAt.Add(e.Allowance()),
		DurationMinutes:    e.DurationMinutes,
		DurationVersion:    e.DurationVersion,
		GracePeriodSeconds: e.GracePeriodSeconds,
		AutoSubmitOnExpiry: e.AutoSubmitOnExpiry,
		RemainingSeconds:   int64(Remaining(e, s.StartedAt, now) / time.Second),
		Submitted:          s.Submitted(),
	}
}

// Attempt is returned from StartOrResume. Exam never carries correct answers.
type Attempt struct {
	SubmissionID string            `json:"submission_id"`
	Exam         exam.Exam         `json:"exam"`
	StartedAt    time.Time         `json:"started_at"`
	Resumed      bool              `json:"resumed"`
	AnswersDraft map[string]string `json:"answers_draft"`
	Clock        ClockInfo         `json:"clock"`
}

// StartOrResume returns the caller's active attempt for the exam, creating one
// when none exists. Resuming never resets startedAt.
func (m *Manager) StartOrResume(ctx context.Context, userID, examID string) (Attempt, error) {
	ctx, span := tracing.Tracer.Start(ctx, "session.StartOrResume")
	defer span.End()
	span.SetAttributes(attribute.String("exam.id", examID), attribute.String("user.id", userID))

	if userID == "" {
		return Attempt{}, fmt.Errorf("%w: missing user", exam.ErrValidation)
	}
	e, err := m.store.GetExam(ctx, examID)
	if err != nil {
		return Attempt{}, err
	}
	if !e.Published {
		return Attempt{}, fmt.Errorf("%w: exam %s is not published", exam.ErrValidation, examID)
	}
	// an exam the engine cannot grade must never be started
	if _, err := m.grader.Grade(e, grading.Input{}); err != nil {
		return Attempt{}, err
	}

	sub, resumed, err := m.findOrCreate(ctx, userID, e)
	if err != nil {
		return Attempt{}, err
	}
	metrics.AttemptsStarted.WithLabelValues(strconv.FormatBool(resumed)).Inc()
	m.log.Info("attempt opened",
		zap.String("submission", sub.ID), zap.String("exam", examID),
		zap.String("user", userID), zap.Bool("resumed", resumed))

	return Attempt{
		SubmissionID: sub.ID,
		Exam:         e.StripAnswers(),
		StartedAt:    sub.StartedAt,
		Resumed:      resumed,
		AnswersDraft: sub.AnswersDraft,
		Clock:        clockInfo(e, sub, m.now()),
	}, nil
}

func (m *Manager) findOrCreate(ctx context.Context, userID string, e exam.Exam) (exam.Submission, bool, error) {
	sub, err := m.store.FindActiveSubmission(ctx, userID, e.ID)
	if err == nil {
		return sub, true, nil
	}
	if !errors.Is(err, exam.ErrNotFound) {
		return exam.Submission{}, false, err
	}

	sub = exam.Submission{
		ID:           uuid.NewString(),
		ExamID:       e.ID,
		UserID:       userID,
		Status:       exam.StatusUngraded,
		Answers:      map[string]string{},
		AnswersDraft: map[string]string{},
		StartedAt:    m.now().UTC(),
	}
	err = m.store.CreateSubmission(ctx, sub)
	if err == nil {
		return sub, false, nil
	}
	if !errors.Is(err, exam.ErrConflict) {
		return exam.Submission{}, false, err
	}
	// lost a race with a concurrent start; the winner's row is the attempt
	sub, err = m.store.FindActiveSubmission(ctx, userID, e.ID)
	if err != nil {
		return exam.Submission{}, false, err
	}
	return sub, true, nil
}

// owned loads a submission and checks that the caller may act on it.
func (m *Manager) owned(ctx context.Context, c Caller, submissionID string) (exam.Submission, error) {
	sub, err := m.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return exam.Submission{}, err
	}
	if sub.UserID != c.UserID && !m.rbac.Staff(c.Role) {
		return exam.Submission{}, fmt.Errorf("submission %s: %w", submissionID, exam.ErrForbidden)
	}
	return sub, nil
}

func checkAnswers(e exam.Exam, answers map[string]string) error {
	for qid := range answers {
		if _, ok := e.Question(qid); !ok {
			return fmt.Errorf("%w: unknown question %q", exam.ErrValidation, qid)
		}
	}
	return nil
}

// SaveDraft overwrites the working answers of an in-progress attempt.
// Once submitted, drafts are rejected with ErrInvalidState.
func (m *Manager) SaveDraft(ctx context.Context, c Caller, submissionID string, answers map[string]string) (time.Time, error) {
	sub, err := m.owned(ctx, c, submissionID)
	if err != nil {
		return time.Time{}, err
	}
	if sub.Submitted() {
		return time.Time{}, fmt.Errorf("submission %s already submitted: %w", submissionID, exam.ErrInvalidState)
	}
	e, err := m.store.GetExam(ctx, sub.ExamID)
	if err != nil {
		return time.Time{}, err
	}
	if err := checkAnswers(e, answers); err != nil {
		return time.Time{}, err
	}
	at := m.now().UTC()
	if err := m.store.SaveDraft(ctx, submissionID, answers, at); err != nil {
		return time.Time{}, err
	}
	metrics.DraftsSaved.Inc()
	return at, nil
}

// SubmitResult is what the candidate sees after submitting. Score is nil
// while results are hidden from the caller.
type SubmitResult struct {
	SubmissionID    string      `json:"submission_id"`
	Status          exam.Status `json:"status"`
	Score           *float64    `json:"score,omitempty"`
	ResultsReleased bool        `json:"results_released"`
	Late            bool        `json:"late,omitempty"`
	// Duplicate is true when the attempt had already been submitted and this call changed nothing.
	Duplicate bool `json:"duplicate,omitempty"`
}

func (m *Manager) submitResult(c Caller, s exam.Submission, dup bool) SubmitResult {
	r := SubmitResult{
		SubmissionID:    s.ID,
		Status:          s.Status,
		ResultsReleased: s.ResultsReleased,
		Late:            s.Late,
		Duplicate:       dup,
	}
	if s.ResultsReleased || m.rbac.Staff(c.Role) {
		score := s.Score
		r.Score = &score
	}
	return r
}

// Submit grades and finalizes an attempt exactly once. A nil answers map
// submits the last saved draft. Repeated calls return the stored result.
func (m *Manager) Submit(ctx context.Context, c Caller, submissionID string, answers map[string]string) (SubmitResult, error) {
	ctx, span := tracing.Tracer.Start(ctx, "session.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("submission.id", submissionID))

	sub, err := m.owned(ctx, c, submissionID)
	if err != nil {
		return SubmitResult{}, err
	}
	if sub.Submitted() {
		metrics.Submissions.WithLabelValues("duplicate").Inc()
		return m.submitResult(c, sub, true), nil
	}
	e, err := m.store.GetExam(ctx, sub.ExamID)
	if err != nil {
		return SubmitResult{}, err
	}
	if answers == nil {
		answers = sub.AnswersDraft
	}
	if err := checkAnswers(e, answers); err != nil {
		return SubmitResult{}, err
	}

	now := m.now().UTC()
	late := now.After(sub.StartedAt.Add(e.Allowance()))
	out, err := m.grader.Grade(e, grading.Input{Answers: answers, Late: late})
	if err != nil {
		return SubmitResult{}, err
	}

	sub.Answers = answers
	sub.QuestionResults = out.QuestionResults
	sub.Score = out.Score
	sub.Status = out.Status
	sub.SubmittedAt = &now
	sub.Late = late
	sub.ResultsReleased = release.OnSubmit(e, now)

	won, err := m.store.Finalize(ctx, sub)
	if err != nil {
		return SubmitResult{}, err
	}
	if !won {
		stored, err := m.store.GetSubmission(ctx, submissionID)
		if err != nil {
			return SubmitResult{}, err
		}
		metrics.Submissions.WithLabelValues("duplicate").Inc()
		return m.submitResult(c, stored, true), nil
	}

	metrics.Submissions.WithLabelValues(string(sub.Status)).Inc()
	if err := m.events.Record(ctx, syncx.TypeSubmitted, sub.ID, map[string]any{
		"exam_id": sub.ExamID, "user_id": sub.UserID, "status": sub.Status,
		"score": sub.Score, "late": late, "released": sub.ResultsReleased,
	}); err != nil {
		m.log.Warn("event log append failed", zap.String("submission", sub.ID), zap.Error(err))
	}
	m.log.Info("attempt submitted",
		zap.String("submission", sub.ID), zap.String("exam", sub.ExamID),
		zap.String("status", string(sub.Status)), zap.Float64("score", sub.Score),
		zap.Bool("late", late), zap.Bool("released", sub.ResultsReleased))
	return m.submitResult(c, sub, false), nil
}

// Clock reports the remaining time of an attempt using the exam's current duration.
func (m *Manager) Clock(ctx context.Context, c Caller, submissionID string) (ClockInfo, error) {
	sub, err := m.owned(ctx, c, submissionID)
	if err != nil {
		return ClockInfo{}, err
	}
	e, err := m.store.GetExam(ctx, sub.ExamID)
	if err != nil {
		return ClockInfo{}, err
	}
	return clockInfo(e, sub, m.now()), nil
}

// PutExam validates and stores an exam definition.
func (m *Manager) PutExam(ctx context.Context, e exam.Exam) (exam.Exam, error) {
	e, err := exam.Normalize(e)
	if err != nil {
		return exam.Exam{}, err
	}
	old, err := m.store.GetExam(ctx, e.ID)
	switch {
	case errors.Is(err, exam.ErrNotFound):
	case err != nil:
		return exam.Exam{}, err
	default:
		if err := m.checkFrozen(ctx, old, e); err != nil {
			return exam.Exam{}, err
		}
		e.CreatedAt = old.CreatedAt
		if e.DurationMinutes != old.DurationMinutes {
			m.log.Info("exam duration changed by upload",
				zap.String("exam", e.ID), zap.Int("from", old.DurationMinutes), zap.Int("to", e.DurationMinutes))
		}
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = m.now().Unix()
	}
	// the store bumps duration_version whenever the duration differs
	if err := m.store.PutExam(ctx, e); err != nil {
		return exam.Exam{}, err
	}
	return m.store.GetExam(ctx, e.ID)
}

// checkFrozen refuses an upload that would change a running exam. While
// attempts are in progress only the title may change and the duration may grow.
func (m *Manager) checkFrozen(ctx context.Context, old, next exam.Exam) error {
	if old.SameAttemptConfig(next) && next.DurationMinutes >= old.DurationMinutes {
		return nil
	}
	n, err := m.store.CountActiveSubmissions(ctx, old.ID)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: exam %s has %d attempts in progress, only the duration may grow",
			exam.ErrInvalidState, old.ID, n)
	}
	return nil
}

// UpdateDuration changes an exam's duration. Running attempts pick the new
// value up on their next clock poll; shortening is refused while any attempt
// is in progress.
func (m *Manager) UpdateDuration(ctx context.Context, examID string, minutes int) (exam.Exam, error) {
	if minutes <= 0 {
		return exam.Exam{}, fmt.Errorf("%w: duration must be positive", exam.ErrValidation)
	}
	e, err := m.store.GetExam(ctx, examID)
	if err != nil {
		return exam.Exam{}, err
	}
	if minutes < e.DurationMinutes {
		n, err := m.store.CountActiveSubmissions(ctx, examID)
		if err != nil {
			return exam.Exam{}, err
		}
		if n > 0 {
			return exam.Exam{}, fmt.Errorf("%w: %d attempts in progress, duration can only grow", exam.ErrInvalidState, n)
		}
	}
	updated, err := m.store.UpdateExamDuration(ctx, examID, minutes)
	if err != nil {
		return exam.Exam{}, err
	}
	m.log.Info("exam duration changed",
		zap.String("exam", examID), zap.Int("from", e.DurationMinutes),
		zap.Int("to", minutes), zap.Int("version", updated.DurationVersion))
	return updated, nil
}

// View is a submission as the caller is allowed to see it. Before release a
// candidate gets neither per-question results nor the score.
type View struct {
	ID              string                         `json:"id"`
	ExamID          string                         `json:"exam_id"`
	UserID          string                         `json:"user_id"`
	Status          exam.Status                    `json:"status"`
	Answers         map[string]string              `json:"answers,omitempty"`
	AnswersDraft    map[string]string              `json:"answers_draft,omitempty"`
	QuestionResults map[string]exam.QuestionResult `json:"question_results,omitempty"`
	Score           *float64                       `json:"score,omitempty"`
	StartedAt       time.Time                      `json:"started_at"`
	SubmittedAt     *time.Time                     `json:"submitted_at,omitempty"`
	Late            bool                           `json:"late,omitempty"`
	ResultsReleased bool                           `json:"results_released"`
	Exam            *exam.Exam                     `json:"exam,omitempty"`
}

func (m *Manager) view(c Caller, s exam.Submission, e *exam.Exam) View {
	v := View{
		ID:              s.ID,
		ExamID:          s.ExamID,
		UserID:          s.UserID,
		Status:          s.Status,
		Answers:         s.Answers,
		AnswersDraft:    s.AnswersDraft,
		StartedAt:       s.StartedAt,
		SubmittedAt:     s.SubmittedAt,
		Late:            s.Late,
		ResultsReleased: s.ResultsReleased,
	}
	full := s.ResultsReleased || m.rbac.Staff(c.Role)
	if full {
		score := s.Score
		v.Score = &score
		v.QuestionResults = s.QuestionResults
	}
	if e != nil {
		snap := *e
		if !full {
			snap = e.StripAnswers()
		}
		v.Exam = &snap
	}
	return v
}

// GetSubmission returns one submission with its exam snapshot, redacted for the caller.
func (m *Manager) GetSubmission(ctx context.Context, c Caller, submissionID string) (View, error) {
	sub, err := m.owned(ctx, c, submissionID)
	if err != nil {
		return View{}, err
	}
	e, err := m.store.GetExam(ctx, sub.ExamID)
	if err != nil {
		return View{}, err
	}
	return m.view(c, sub, &e), nil
}

// ListSubmissions lists submissions. Non-staff callers only ever see their own.
func (m *Manager) ListSubmissions(ctx context.Context, c Caller, opts exam.SubmissionListOpts) ([]View, error) {
	if !m.rbac.Staff(c.Role) {
		opts.UserID = c.UserID
	}
	if opts.Limit <= 0 || opts.Limit > 500 {
		opts.Limit = 100
	}
	subs, err := m.store.ListSubmissions(ctx, opts)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(subs))
	for _, s := range subs {
		out = append(out, m.view(c, s, nil))
	}
	return out, nil
}
