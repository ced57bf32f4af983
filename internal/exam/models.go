package exam

import (
	"slices"
	"time"
)

type QuestionType string

const (
	ObjectiveSingle QuestionType = "OBJECTIVE_SINGLE"
	ObjectiveBest   QuestionType = "OBJECTIVE_BEST"
	Subjective      QuestionType = "SUBJECTIVE"
)

// Objective reports whether answers of this type are auto-graded by exact match.
func (t QuestionType) Objective() bool {
	return t == ObjectiveSingle || t == ObjectiveBest
}

type ReleaseMode string

const (
	ReleaseInstant   ReleaseMode = "INSTANT"
	ReleaseDelayed   ReleaseMode = "DELAYED"
	ReleaseScheduled ReleaseMode = "SCHEDULED"
	ReleaseManual    ReleaseMode = "MANUAL"
)

type Status string

const (
	StatusUngraded            Status = "UNGRADED"
	StatusPendingManualReview Status = "PENDING_MANUAL_REVIEW"
	StatusGraded              Status = "GRADED"
	StatusReviewed            Status = "REVIEWED"
)

// Graded is true once every question has a resolved result.
func (s Status) Graded() bool { return s == StatusGraded || s == StatusReviewed }

type Question struct {
	ID            string       `json:"id" validate:"required"`
	Type          QuestionType `json:"type" validate:"required,oneof=OBJECTIVE_SINGLE OBJECTIVE_BEST SUBJECTIVE"`
	Text          string       `json:"text"`
	Options       []string     `json:"options,omitempty"`
	CorrectAnswer string       `json:"correct_answer,omitempty"`
	Points        float64      `json:"points" validate:"gt=0"`
}

// Policy holds the optional grading penalties of an exam.
type Policy struct {
	NegativeMarkPenalty float64 `json:"negative_mark_penalty,omitempty" validate:"gte=0"`
	LatePenaltyPercent  float64 `json:"late_penalty_percent,omitempty" validate:"gte=0,lte=100"`
}

type Exam struct {
	ID                 string      `json:"id" validate:"required"`
	Title              string      `json:"title"`
	Questions          []Question  `json:"questions" validate:"dive"`
	DurationMinutes    int         `json:"duration_minutes" validate:"gt=0"`
	DurationVersion    int         `json:"duration_version"`
	GracePeriodSeconds int         `json:"grace_period_seconds" validate:"gte=0"`
	AutoSubmitOnExpiry bool        `json:"auto_submit_on_expiry"`
	PassMark           float64     `json:"pass_mark" validate:"gte=0"`
	TotalPoints        float64     `json:"total_points"`
	ReleaseMode        ReleaseMode `json:"release_mode" validate:"required,oneof=INSTANT DELAYED SCHEDULED MANUAL"`
	ScheduledReleaseAt *time.Time  `json:"scheduled_release_at,omitempty"`
	Published          bool        `json:"published"`
	Policy             *Policy     `json:"policy,omitempty"`

	CreatedAt int64 `json:"created_at,omitempty"`
}

// Question returns the question with the given id.
func (e Exam) Question(id string) (Question, bool) {
	for _, q := range e.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}

// SumPoints is the sum of the contained question points.
func (e Exam) SumPoints() float64 {
	total := 0.0
	for _, q := range e.Questions {
		total += q.Points
	}
	return total
}

// Duration is the nominal attempt length without the grace period.
func (e Exam) Duration() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

// Allowance is duration plus grace.
func (e Exam) Allowance() time.Duration {
	return e.Duration() + time.Duration(e.GracePeriodSeconds)*time.Second
}

// SameAttemptConfig reports whether o keeps every setting that is frozen while
// attempts are in progress. Title and duration are not compared.
func (e Exam) SameAttemptConfig(o Exam) bool {
	if e.GracePeriodSeconds != o.GracePeriodSeconds || e.AutoSubmitOnExpiry != o.AutoSubmitOnExpiry ||
		e.PassMark != o.PassMark || e.ReleaseMode != o.ReleaseMode || e.Published != o.Published {
		return false
	}
	if !sameInstant(e.ScheduledReleaseAt, o.ScheduledReleaseAt) || e.policyOrZero() != o.policyOrZero() {
		return false
	}
	return slices.EqualFunc(e.Questions, o.Questions, func(a, b Question) bool {
		return a.ID == b.ID && a.Type == b.Type && a.Text == b.Text &&
			a.CorrectAnswer == b.CorrectAnswer && a.Points == b.Points && slices.Equal(a.Options, b.Options)
	})
}

func (e Exam) policyOrZero() Policy {
	if e.Policy == nil {
		return Policy{}
	}
	return *e.Policy
}

// sameInstant compares at the millisecond precision the stores keep.
func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.UnixMilli() == b.UnixMilli()
}

// StripAnswers returns a copy of the exam safe to hand to candidates.
func (e Exam) StripAnswers() Exam {
	qs := make([]Question, len(e.Questions))
	for i, q := range e.Questions {
		q.CorrectAnswer = ""
		if q.Options != nil {
			q.Options = append([]string(nil), q.Options...)
		}
		qs[i] = q
	}
	e.Questions = qs
	e.Policy = nil
	return e
}

type QuestionResult struct {
	Score     float64 `json:"score"`
	IsCorrect bool    `json:"is_correct"`
	Feedback  string  `json:"feedback,omitempty"`
	// Manual marks a result assigned by a grader; regrade keeps it for subjective items.
	Manual   bool   `json:"manual,omitempty"`
	GradedBy string `json:"graded_by,omitempty"`
}

type Submission struct {
	ID              string                    `json:"id"`
	ExamID          string                    `json:"exam_id"`
	UserID          string                    `json:"user_id"`
	Status          Status                    `json:"status"`
	Answers         map[string]string         `json:"answers"`
	AnswersDraft    map[string]string         `json:"answers_draft"`
	QuestionResults map[string]QuestionResult `json:"question_results"`
	Score           float64                   `json:"score"`
	StartedAt       time.Time                 `json:"started_at"`
	SubmittedAt     *time.Time                `json:"submitted_at,omitempty"`
	DraftSavedAt    *time.Time                `json:"draft_saved_at,omitempty"`
	Late            bool                      `json:"late,omitempty"`
	ResultsReleased bool                      `json:"results_released"`

	// Version is bumped on every results write and guards conditional updates.
	Version int64 `json:"version"`
}

// Submitted reports whether the final answers have been accepted.
func (s Submission) Submitted() bool { return s.Status != StatusUngraded }

// Active is the resumable state: in progress and not released.
func (s Submission) Active() bool { return s.Status == StatusUngraded && !s.ResultsReleased }

// Clone deep-copies the maps so callers can mutate freely.
func (s Submission) Clone() Submission {
	s.Answers = cloneAnswers(s.Answers)
	s.AnswersDraft = cloneAnswers(s.AnswersDraft)
	if s.QuestionResults != nil {
		qr := make(map[string]QuestionResult, len(s.QuestionResults))
		for k, v := range s.QuestionResults {
			qr[k] = v
		}
		s.QuestionResults = qr
	}
	if s.SubmittedAt != nil {
		t := *s.SubmittedAt
		s.SubmittedAt = &t
	}
	if s.DraftSavedAt != nil {
		t := *s.DraftSavedAt
		s.DraftSavedAt = &t
	}
	return s
}

func cloneAnswers(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type SubmissionListOpts struct {
	ExamID string
	UserID string
	Status Status
	Limit  int
	Offset int
}
