// Package grading scores an exam's questions against a candidate's answers.
// Everything here is pure: no I/O, no clocks, and the same inputs always give
// the same Outcome, which is what lets regrade run any number of times.
package grading

import (
	"fmt"
	"strings"

	"github.com/mind-engage/mindengage-exams/internal/exam"
)

// Result is the outcome of grading a single question response.
type Result struct {
	Score       float64
	IsCorrect   bool
	NeedsManual bool   // true if a grader has to review the answer
	Feedback    string // optional note
	Manual      bool   // carried over from a grader
	GradedBy    string
}

// Strategy grades a single question.
type Strategy interface {
	Grade(q exam.Question, answer string, prior *exam.QuestionResult) Result
}

// Input is everything besides the exam that feeds a grading run.
type Input struct {
	Answers map[string]string
	// Prior holds results already stored on the submission; manual subjective
	// scores found here survive a regrade.
	Prior map[string]exam.QuestionResult
	// Late marks a submit that arrived after the attempt allowance.
	Late bool
}

// Outcome is the full grading result for one submission.
type Outcome struct {
	Score                float64
	TotalPoints          float64
	QuestionResults      map[string]exam.QuestionResult
	RequiresManualReview bool
	Status               exam.Status
}

// Engine options

type Option func(*config)

type config struct {
	DefaultPolicy exam.Policy
}

// WithDefaultPolicy sets the penalties used for exams that carry no policy of their own.
func WithDefaultPolicy(p exam.Policy) Option { return func(c *config) { c.DefaultPolicy = p } }

type Engine struct {
	strategies map[exam.QuestionType]Strategy
	policy     exam.Policy
}

// New installs built-in strategies.
func New(opts ...Option) *Engine {
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	return &Engine{
		strategies: map[exam.QuestionType]Strategy{
			exam.ObjectiveSingle: exactMatchStrategy{},
			exam.ObjectiveBest:   exactMatchStrategy{},
			exam.Subjective:      subjectiveStrategy{},
		},
		policy: cfg.DefaultPolicy,
	}
}

var defaultEngine = New()

// Grade runs the default engine with no penalties configured.
func Grade(e exam.Exam, answers map[string]string) (Outcome, error) {
	return defaultEngine.Grade(e, Input{Answers: answers})
}

func (g *Engine) Grade(e exam.Exam, in Input) (Outcome, error) {
	if len(e.Questions) == 0 {
		return Outcome{}, fmt.Errorf("%w: exam %s has no questions", exam.ErrValidation, e.ID)
	}
	policy := g.policy
	if e.Policy != nil {
		policy = *e.Policy
	}

	out := Outcome{QuestionResults: make(map[string]exam.QuestionResult, len(e.Questions))}
	results := make([]Result, len(e.Questions))
	for i, q := range e.Questions {
		out.TotalPoints += q.Points
		var prior *exam.QuestionResult
		if p, ok := in.Prior[q.ID]; ok {
			prior = &p
		}
		s, ok := g.strategies[q.Type]
		if !ok {
			results[i] = Result{NeedsManual: true, Feedback: "no strategy available"}
			continue
		}
		results[i] = s.Grade(q, in.Answers[q.ID], prior)
	}

	if in.Late && policy.LatePenaltyPercent > 0 {
		factor := 1 - policy.LatePenaltyPercent/100
		for i, q := range e.Questions {
			if q.Type.Objective() && results[i].Score > 0 {
				results[i].Score *= factor
				results[i].Feedback = appendNote(results[i].Feedback,
					fmt.Sprintf("late penalty %.0f%%", policy.LatePenaltyPercent))
			}
		}
	}

	if policy.NegativeMarkPenalty > 0 {
		running := 0.0
		for _, r := range results {
			running += r.Score
		}
		for i, q := range e.Questions {
			if running <= 0 {
				break
			}
			if !q.Type.Objective() || results[i].IsCorrect || strings.TrimSpace(in.Answers[q.ID]) == "" {
				continue
			}
			deduct := min(policy.NegativeMarkPenalty, running)
			results[i].Score -= deduct
			running -= deduct
			results[i].Feedback = appendNote(results[i].Feedback, fmt.Sprintf("negative marking -%g", deduct))
		}
	}

	for i, q := range e.Questions {
		r := results[i]
		if r.NeedsManual {
			out.RequiresManualReview = true
		}
		out.QuestionResults[q.ID] = exam.QuestionResult{
			Score:     r.Score,
			IsCorrect: r.IsCorrect,
			Feedback:  r.Feedback,
			Manual:    r.Manual,
			GradedBy:  r.GradedBy,
		}
		out.Score += r.Score
	}
	if out.Score < 0 {
		out.Score = 0
	}
	out.Status = exam.StatusGraded
	if out.RequiresManualReview {
		out.Status = exam.StatusPendingManualReview
	}
	return out, nil
}

// Resolved reports whether a question has a final result: objective items always
// do, subjective ones once a grader has scored them.
func Resolved(q exam.Question, r exam.QuestionResult, ok bool) bool {
	if q.Type.Objective() {
		return ok
	}
	return ok && r.Manual
}

// SumScores is the submission score for a results map.
func SumScores(e exam.Exam, results map[string]exam.QuestionResult) float64 {
	total := 0.0
	for _, q := range e.Questions {
		total += results[q.ID].Score
	}
	if total < 0 {
		return 0
	}
	return total
}

// --- Strategies ---

// exactMatchStrategy compares trimmed strings; no case folding or fuzzy matching.
type exactMatchStrategy struct{}

func (exactMatchStrategy) Grade(q exam.Question, answer string, _ *exam.QuestionResult) Result {
	if strings.TrimSpace(answer) == strings.TrimSpace(q.CorrectAnswer) && strings.TrimSpace(answer) != "" {
		return Result{Score: q.Points, IsCorrect: true}
	}
	return Result{}
}

type subjectiveStrategy struct{}

func (subjectiveStrategy) Grade(_ exam.Question, _ string, prior *exam.QuestionResult) Result {
	if prior != nil && prior.Manual {
		return Result{
			Score:     prior.Score,
			IsCorrect: prior.IsCorrect,
			Feedback:  prior.Feedback,
			Manual:    true,
			GradedBy:  prior.GradedBy,
		}
	}
	return Result{NeedsManual: true}
}

func appendNote(fb, note string) string {
	if fb == "" {
		return note
	}
	return fb + "; " + note
}
