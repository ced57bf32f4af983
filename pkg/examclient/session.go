package examclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUnansweredQuestions is returned by a manual Submit that was not confirmed
// while some questions have no answer.
var ErrUnansweredQuestions = errors.New("unanswered questions")

// Session is one candidate's open attempt on the client. The local countdown
// is a display cache; the server clock is authoritative.
type Session struct {
	API       API
	Deliverer *Deliverer
	Log       *zap.Logger
	Now       func() time.Time

	AutosaveInterval time.Duration // default 30s
	PollInterval     time.Duration // default 15s

	submissionID string
	exam         Exam
	countdown    *Countdown

	mu              sync.Mutex
	answers         map[string]string
	dirty           bool
	durationMinutes int
	durationVersion int
	autoSubmit      bool
	result          *SubmitResult
	submitting      bool
}

type Options struct {
	Log *zap.Logger
	Now func() time.Time
}

// Open starts or resumes the attempt and seeds the local state from the server.
func Open(ctx context.Context, api API, examID string, opts Options) (*Session, error) {
	a, err := api.Start(ctx, examID)
	if err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Session{
		API:             api,
		Deliverer:       &Deliverer{API: api, Log: log},
		Log:             log,
		Now:             now,
		submissionID:    a.SubmissionID,
		exam:            a.Exam,
		answers:         map[string]string{},
		durationMinutes: a.Clock.DurationMinutes,
		durationVersion: a.Clock.DurationVersion,
		autoSubmit:      a.Clock.AutoSubmitOnExpiry,
	}
	for k, v := range a.AnswersDraft {
		s.answers[k] = v
	}
	s.countdown = NewCountdown(s.Now().Add(a.Clock.Remaining()), nil)
	log.Info("exam session opened",
		zap.String("submission", a.SubmissionID), zap.Bool("resumed", a.Resumed),
		zap.Duration("remaining", a.Clock.Remaining()))
	return s, nil
}

func (s *Session) SubmissionID() string     { return s.submissionID }
func (s *Session) Exam() Exam               { return s.exam }
func (s *Session) Countdown() *Countdown    { return s.countdown }
func (s *Session) Remaining() time.Duration { return s.countdown.Remaining(s.now()) }

func (s *Session) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// SetAnswer records an answer locally; it reaches the server with the next autosave.
func (s *Session) SetAnswer(questionID, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[questionID] = value
	s.dirty = true
}

func (s *Session) snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.answers))
	for k, v := range s.answers {
		out[k] = v
	}
	return out
}

// Unanswered lists question ids without a non-empty answer, in exam order.
func (s *Session) Unanswered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, q := range s.exam.Questions {
		if s.answers[q.ID] == "" {
			out = append(out, q.ID)
		}
	}
	return out
}

// Autosave pushes the full answer set if it changed. Failures are logged and
// never reach the candidate.
func (s *Session) Autosave(ctx context.Context) {
	s.mu.Lock()
	if !s.dirty || s.result != nil {
		s.mu.Unlock()
		return
	}
	s.dirty = false
	s.mu.Unlock()

	if err := s.API.SaveDraft(ctx, s.submissionID, s.snapshot()); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusConflict {
			return // already submitted
		}
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		s.Log.Warn("draft autosave failed", zap.String("submission", s.submissionID), zap.Error(err))
	}
}

// PollClock asks the server for the current duration. A longer duration
// extends the countdown by the difference; shorter values are ignored.
func (s *Session) PollClock(ctx context.Context) error {
	ck, err := s.API.Clock(ctx, s.submissionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.autoSubmit = ck.AutoSubmitOnExpiry
	if ck.DurationVersion == s.durationVersion {
		s.mu.Unlock()
		return nil
	}
	delta := time.Duration(ck.DurationMinutes-s.durationMinutes) * time.Minute
	s.durationVersion = ck.DurationVersion
	if delta > 0 {
		s.durationMinutes = ck.DurationMinutes
	}
	s.mu.Unlock()

	if s.countdown.Extend(delta) {
		s.Log.Info("exam duration extended",
			zap.String("submission", s.submissionID), zap.Duration("delta", delta),
			zap.Int("duration_version", ck.DurationVersion))
	}
	return nil
}

// Submit delivers the final answers. Without confirm it refuses while
// questions are unanswered. Repeated calls return the first result.
func (s *Session) Submit(ctx context.Context, confirm bool) (SubmitResult, error) {
	if !confirm {
		if open := s.Unanswered(); len(open) > 0 {
			return SubmitResult{}, fmt.Errorf("%w: %v", ErrUnansweredQuestions, open)
		}
	}
	return s.submit(ctx)
}

func (s *Session) submit(ctx context.Context) (SubmitResult, error) {
	s.mu.Lock()
	if s.result != nil {
		r := *s.result
		s.mu.Unlock()
		return r, nil
	}
	if s.submitting {
		s.mu.Unlock()
		return SubmitResult{}, errors.New("submit already in progress")
	}
	s.submitting = true
	s.mu.Unlock()

	res, err := s.Deliverer.Deliver(ctx, s.submissionID, s.snapshot())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitting = false
	if err != nil {
		s.Log.Error("submit failed, answers kept locally", zap.String("submission", s.submissionID), zap.Error(err))
		return SubmitResult{}, err
	}
	s.result = &res
	return res, nil
}

// Result is the submit result once delivered.
func (s *Session) Result() (SubmitResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return SubmitResult{}, false
	}
	return *s.result, true
}

// Tick advances the countdown. On expiry with auto-submit enabled it submits
// once, skipping the unanswered confirmation.
func (s *Session) Tick(ctx context.Context) (expired bool, err error) {
	expired, fired := s.countdown.advance(s.now())
	if !fired {
		return expired, nil
	}
	s.mu.Lock()
	auto := s.autoSubmit
	s.mu.Unlock()
	if auto {
		s.Log.Info("time is up, auto-submitting", zap.String("submission", s.submissionID))
		_, err = s.submit(ctx)
	}
	return true, err
}

// Run drives autosave, clock polling and the countdown until the attempt is
// submitted, auto-submission fails, or ctx ends.
func (s *Session) Run(ctx context.Context) error {
	save := s.AutosaveInterval
	if save <= 0 {
		save = 30 * time.Second
	}
	poll := s.PollInterval
	if poll <= 0 {
		poll = 15 * time.Second
	}
	saveT := time.NewTicker(save)
	defer saveT.Stop()
	pollT := time.NewTicker(poll)
	defer pollT.Stop()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		if _, done := s.Result(); done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-saveT.C:
			s.Autosave(ctx)
		case <-pollT.C:
			if err := s.PollClock(ctx); err != nil {
				s.Log.Debug("clock poll failed", zap.Error(err))
			}
		case <-tick.C:
			if _, err := s.Tick(ctx); err != nil {
				return err
			}
		}
	}
}
