package grading

import (
	"errors"
	"reflect"
	"testing"

	"github.com/mind-engage/mindengage-exams/internal/exam"
)

func singleQuestionExam(q exam.Question) exam.Exam {
	return exam.Exam{ID: "exam-1", DurationMinutes: 30, ReleaseMode: exam.ReleaseInstant, Questions: []exam.Question{q}}
}

func TestGradeObjectiveSingle(t *testing.T) {
	ex := singleQuestionExam(exam.Question{ID: "q1", Type: exam.ObjectiveSingle, CorrectAnswer: "Paris", Points: 10})

	tests := []struct {
		name      string
		answer    string
		wantScore float64
		correct   bool
	}{
		{name: "exact", answer: "Paris", wantScore: 10, correct: true},
		{name: "surrounding spaces", answer: "  Paris\n", wantScore: 10, correct: true},
		{name: "wrong", answer: "London", wantScore: 0, correct: false},
		{name: "case differs", answer: "paris", wantScore: 0, correct: false},
		{name: "blank", answer: "", wantScore: 0, correct: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Grade(ex, map[string]string{"q1": tt.answer})
			if err != nil {
				t.Fatalf("Grade: %v", err)
			}
			if out.Score != tt.wantScore {
				t.Errorf("score = %v, want %v", out.Score, tt.wantScore)
			}
			if out.Status != exam.StatusGraded {
				t.Errorf("status = %s, want GRADED", out.Status)
			}
			r := out.QuestionResults["q1"]
			if r.Score != tt.wantScore || r.IsCorrect != tt.correct {
				t.Errorf("result = %+v", r)
			}
			if out.TotalPoints != 10 {
				t.Errorf("total points = %v", out.TotalPoints)
			}
		})
	}
}

func TestGradeSubjectiveNeedsReview(t *testing.T) {
	ex := singleQuestionExam(exam.Question{ID: "essay", Type: exam.Subjective, Points: 20})
	out, err := Grade(ex, map[string]string{"essay": "a long answer"})
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}
	if out.Status != exam.StatusPendingManualReview || !out.RequiresManualReview {
		t.Fatalf("expected pending manual review, got %s", out.Status)
	}
	if out.Score != 0 {
		t.Fatalf("expected score 0, got %v", out.Score)
	}
}

func TestGradeKeepsManualSubjectiveScore(t *testing.T) {
	ex := exam.Exam{ID: "exam-1", Questions: []exam.Question{
		{ID: "q1", Type: exam.ObjectiveBest, CorrectAnswer: "B", Points: 5},
		{ID: "essay", Type: exam.Subjective, Points: 20},
	}}
	prior := map[string]exam.QuestionResult{
		"essay": {Score: 15, Feedback: "partial credit", Manual: true, GradedBy: "t1"},
		"q1":    {Score: 5, IsCorrect: true, Manual: true},
	}
	out, err := New().Grade(ex, Input{Answers: map[string]string{"q1": "A", "essay": "x"}, Prior: prior})
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}
	if out.Status != exam.StatusGraded {
		t.Fatalf("status = %s, want GRADED", out.Status)
	}
	if got := out.QuestionResults["essay"]; got.Score != 15 || !got.Manual || got.Feedback != "partial credit" {
		t.Fatalf("manual essay result lost: %+v", got)
	}
	// objective items are always recomputed from the answer key
	if got := out.QuestionResults["q1"]; got.Score != 0 || got.IsCorrect {
		t.Fatalf("objective result not recomputed: %+v", got)
	}
	if out.Score != 15 {
		t.Fatalf("score = %v, want 15", out.Score)
	}
}

func TestGradeRejectsEmptyExam(t *testing.T) {
	_, err := Grade(exam.Exam{ID: "empty"}, nil)
	if !errors.Is(err, exam.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestGradeIsDeterministic(t *testing.T) {
	ex := exam.Exam{ID: "exam-1", Policy: &exam.Policy{NegativeMarkPenalty: 1}, Questions: []exam.Question{
		{ID: "q1", Type: exam.ObjectiveSingle, CorrectAnswer: "a", Points: 2},
		{ID: "q2", Type: exam.ObjectiveSingle, CorrectAnswer: "b", Points: 2},
		{ID: "q3", Type: exam.Subjective, Points: 4},
	}}
	answers := map[string]string{"q1": "a", "q2": "x", "q3": "essay"}
	g := New()
	first, err := g.Grade(ex, Input{Answers: answers})
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}
	second, err := g.Grade(ex, Input{Answers: answers})
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("grading not deterministic:\n%+v\n%+v", first, second)
	}
}

func TestNegativeMarkingNeverBelowZero(t *testing.T) {
	ex := exam.Exam{ID: "exam-1", Questions: []exam.Question{
		{ID: "q1", Type: exam.ObjectiveSingle, CorrectAnswer: "a", Points: 1},
		{ID: "q2", Type: exam.ObjectiveSingle, CorrectAnswer: "b", Points: 1},
		{ID: "q3", Type: exam.ObjectiveSingle, CorrectAnswer: "c", Points: 1},
		{ID: "q4", Type: exam.ObjectiveSingle, CorrectAnswer: "d", Points: 1},
	}}
	g := New(WithDefaultPolicy(exam.Policy{NegativeMarkPenalty: 0.75}))

	tests := []struct {
		name    string
		answers map[string]string
		want    float64
	}{
		{name: "all wrong", answers: map[string]string{"q1": "x", "q2": "x", "q3": "x", "q4": "x"}, want: 0},
		{name: "blank is not penalised", answers: map[string]string{"q1": "a", "q2": ""}, want: 1},
		{name: "one right one wrong", answers: map[string]string{"q1": "a", "q2": "x"}, want: 0.25},
		{name: "one right two wrong", answers: map[string]string{"q1": "a", "q2": "x", "q3": "y"}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := g.Grade(ex, Input{Answers: tt.answers})
			if err != nil {
				t.Fatalf("Grade: %v", err)
			}
			if out.Score != tt.want {
				t.Errorf("score = %v, want %v", out.Score, tt.want)
			}
			if out.Score < 0 {
				t.Errorf("score below zero: %v", out.Score)
			}
			if sum := SumScores(ex, out.QuestionResults); sum != out.Score {
				t.Errorf("sum of results %v != score %v", sum, out.Score)
			}
		})
	}
}

func TestLatePenaltyOnlyWhenLate(t *testing.T) {
	ex := singleQuestionExam(exam.Question{ID: "q1", Type: exam.ObjectiveSingle, CorrectAnswer: "a", Points: 10})
	ex.Policy = &exam.Policy{LatePenaltyPercent: 50}
	g := New()

	onTime, err := g.Grade(ex, Input{Answers: map[string]string{"q1": "a"}})
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}
	if onTime.Score != 10 {
		t.Fatalf("on-time score = %v, want 10", onTime.Score)
	}
	late, err := g.Grade(ex, Input{Answers: map[string]string{"q1": "a"}, Late: true})
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}
	if late.Score != 5 {
		t.Fatalf("late score = %v, want 5", late.Score)
	}
	if !late.QuestionResults["q1"].IsCorrect {
		t.Fatalf("late answer should still be marked correct")
	}
}

func TestResolved(t *testing.T) {
	obj := exam.Question{ID: "q1", Type: exam.ObjectiveSingle}
	subj := exam.Question{ID: "q2", Type: exam.Subjective}
	if !Resolved(obj, exam.QuestionResult{}, true) {
		t.Error("objective with result should be resolved")
	}
	if Resolved(subj, exam.QuestionResult{}, true) {
		t.Error("auto-deferred subjective should not be resolved")
	}
	if !Resolved(subj, exam.QuestionResult{Manual: true}, true) {
		t.Error("manually graded subjective should be resolved")
	}
}
