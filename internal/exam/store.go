package exam

import (
	"context"
	"time"
)

// Store is the Attempt Store. Every submission mutation is a conditional write keyed by
// submission id plus the state it expects, so retries and duplicate deliveries are safe.
type Store interface {
	PutExam(ctx context.Context, e Exam) error
	GetExam(ctx context.Context, id string) (Exam, error) // full exam including correct answers
	UpdateExamDuration(ctx context.Context, examID string, minutes int) (Exam, error)
	// ListScheduledDue returns SCHEDULED exams whose release time is at or before now.
	ListScheduledDue(ctx context.Context, now time.Time) ([]Exam, error)

	// CreateSubmission fails with ErrConflict when the user already has an active attempt.
	CreateSubmission(ctx context.Context, s Submission) error
	FindActiveSubmission(ctx context.Context, userID, examID string) (Submission, error)
	GetSubmission(ctx context.Context, id string) (Submission, error)
	ListSubmissions(ctx context.Context, opts SubmissionListOpts) ([]Submission, error)
	CountActiveSubmissions(ctx context.Context, examID string) (int, error)

	// SaveDraft overwrites answers_draft while the attempt is UNGRADED; ErrInvalidState otherwise.
	SaveDraft(ctx context.Context, id string, answers map[string]string, at time.Time) error
	// Finalize applies the final submit only if the row is still UNGRADED. It reports
	// whether this call won.
	Finalize(ctx context.Context, s Submission) (bool, error)
	// UpdateResults writes results/score/status if the stored version equals s.Version;
	// ErrConflict otherwise.
	UpdateResults(ctx context.Context, s Submission) error
	// SetReleased toggles visibility of a submitted attempt.
	SetReleased(ctx context.Context, id string, released bool) error
	// ReleaseExam flips results_released false→true for every submitted attempt of an exam.
	ReleaseExam(ctx context.Context, examID string) (int64, error)
}
