package exam

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Normalize recomputes derived fields and checks the exam invariants.
func Normalize(e Exam) (Exam, error) {
	e.ID = strings.TrimSpace(e.ID)
	if e.ReleaseMode == "" {
		e.ReleaseMode = ReleaseInstant
	}
	if err := validate.Struct(e); err != nil {
		return Exam{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if e.Published && len(e.Questions) == 0 {
		return Exam{}, fmt.Errorf("%w: published exam %s has no questions", ErrValidation, e.ID)
	}
	seen := make(map[string]struct{}, len(e.Questions))
	for _, q := range e.Questions {
		if _, dup := seen[q.ID]; dup {
			return Exam{}, fmt.Errorf("%w: duplicate question id %s", ErrValidation, q.ID)
		}
		seen[q.ID] = struct{}{}
		if q.Type.Objective() && strings.TrimSpace(q.CorrectAnswer) == "" {
			return Exam{}, fmt.Errorf("%w: objective question %s has no correct answer", ErrValidation, q.ID)
		}
	}
	if e.ReleaseMode == ReleaseScheduled && e.ScheduledReleaseAt == nil {
		return Exam{}, fmt.Errorf("%w: scheduled release requires scheduled_release_at", ErrValidation)
	}
	e.TotalPoints = e.SumPoints()
	return e, nil
}
