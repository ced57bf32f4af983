package exam_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mind-engage/mindengage-exams/internal/db"
	"github.com/mind-engage/mindengage-exams/internal/exam"
)

func stores(t *testing.T) map[string]func(t *testing.T) exam.Store {
	return map[string]func(t *testing.T) exam.Store{
		"memory": func(t *testing.T) exam.Store { return exam.NewInMemoryStore() },
		"sqlite": func(t *testing.T) exam.Store {
			dbh, err := db.Open(context.Background(), db.DriverSQLite, ":memory:")
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { _ = dbh.Close() })
			return exam.NewSQLStore(dbh, string(db.DriverSQLite))
		},
	}
}

var t0 = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func sampleExam() exam.Exam {
	due := t0.Add(time.Hour)
	return exam.Exam{
		ID: "e1", Title: "Sample", DurationMinutes: 30, GracePeriodSeconds: 30,
		ReleaseMode: exam.ReleaseScheduled, ScheduledReleaseAt: &due, Published: true,
		Policy: &exam.Policy{NegativeMarkPenalty: 1},
		Questions: []exam.Question{
			{ID: "q1", Type: exam.ObjectiveSingle, Options: []string{"a", "b"}, CorrectAnswer: "a", Points: 2},
			{ID: "q2", Type: exam.Subjective, Points: 5},
		},
		TotalPoints: 7,
	}
}

func newAttempt(id, user string) exam.Submission {
	return exam.Submission{ID: id, ExamID: "e1", UserID: user, Status: exam.StatusUngraded, StartedAt: t0}
}

func TestStoreContract(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open(t)

			if err := st.PutExam(ctx, sampleExam()); err != nil {
				t.Fatalf("PutExam: %v", err)
			}
			e, err := st.GetExam(ctx, "e1")
			if err != nil {
				t.Fatalf("GetExam: %v", err)
			}
			if e.Questions[0].CorrectAnswer != "a" || e.Policy == nil || e.Policy.NegativeMarkPenalty != 1 {
				t.Fatalf("exam roundtrip lost fields: %+v", e)
			}
			if e.ScheduledReleaseAt == nil || !e.ScheduledReleaseAt.Equal(t0.Add(time.Hour)) {
				t.Fatalf("scheduled release = %v", e.ScheduledReleaseAt)
			}
			if _, err := st.GetExam(ctx, "nope"); !errors.Is(err, exam.ErrNotFound) {
				t.Fatalf("missing exam: %v", err)
			}

			// one active attempt per user and exam
			if err := st.CreateSubmission(ctx, newAttempt("s1", "u1")); err != nil {
				t.Fatalf("CreateSubmission: %v", err)
			}
			if err := st.CreateSubmission(ctx, newAttempt("s2", "u1")); !errors.Is(err, exam.ErrConflict) {
				t.Fatalf("second active attempt: %v", err)
			}
			if err := st.CreateSubmission(ctx, exam.Submission{ID: "x", ExamID: "missing", UserID: "u1", Status: exam.StatusUngraded, StartedAt: t0}); !errors.Is(err, exam.ErrNotFound) {
				t.Fatalf("attempt for missing exam: %v", err)
			}
			got, err := st.FindActiveSubmission(ctx, "u1", "e1")
			if err != nil || got.ID != "s1" || !got.StartedAt.Equal(t0) {
				t.Fatalf("FindActive = %+v, %v", got, err)
			}

			if err := st.SaveDraft(ctx, "s1", map[string]string{"q1": "b"}, t0.Add(time.Minute)); err != nil {
				t.Fatalf("SaveDraft: %v", err)
			}
			if err := st.SaveDraft(ctx, "s1", map[string]string{"q1": "a"}, t0.Add(2*time.Minute)); err != nil {
				t.Fatalf("SaveDraft: %v", err)
			}
			got, _ = st.GetSubmission(ctx, "s1")
			if got.AnswersDraft["q1"] != "a" || got.DraftSavedAt == nil {
				t.Fatalf("draft not overwritten: %+v", got)
			}

			if n, _ := st.CountActiveSubmissions(ctx, "e1"); n != 1 {
				t.Fatalf("active = %d", n)
			}

			at := t0.Add(10 * time.Minute)
			final := got
			final.Status = exam.StatusPendingManualReview
			final.Answers = map[string]string{"q1": "a", "q2": "essay"}
			final.QuestionResults = map[string]exam.QuestionResult{"q1": {Score: 2, IsCorrect: true}, "q2": {}}
			final.Score = 2
			final.SubmittedAt = &at
			won, err := st.Finalize(ctx, final)
			if err != nil || !won {
				t.Fatalf("Finalize: won=%v err=%v", won, err)
			}
			again := final
			again.Score = 0
			if won, err := st.Finalize(ctx, again); err != nil || won {
				t.Fatalf("second Finalize: won=%v err=%v", won, err)
			}
			if err := st.SaveDraft(ctx, "s1", map[string]string{}, at); !errors.Is(err, exam.ErrInvalidState) {
				t.Fatalf("draft after finalize: %v", err)
			}
			got, _ = st.GetSubmission(ctx, "s1")
			if got.Score != 2 || got.Status != exam.StatusPendingManualReview || got.Answers["q2"] != "essay" {
				t.Fatalf("finalized row = %+v", got)
			}

			// a new attempt is allowed once the previous one is submitted
			if err := st.CreateSubmission(ctx, newAttempt("s3", "u1")); err != nil {
				t.Fatalf("attempt after submit: %v", err)
			}

			// optimistic results update
			upd := got
			upd.QuestionResults["q2"] = exam.QuestionResult{Score: 4, Manual: true}
			upd.Score = 6
			upd.Status = exam.StatusGraded
			if err := st.UpdateResults(ctx, upd); err != nil {
				t.Fatalf("UpdateResults: %v", err)
			}
			if err := st.UpdateResults(ctx, upd); !errors.Is(err, exam.ErrConflict) {
				t.Fatalf("stale UpdateResults: %v", err)
			}

			// release
			if err := st.SetReleased(ctx, "s3", true); !errors.Is(err, exam.ErrInvalidState) {
				t.Fatalf("release in-progress: %v", err)
			}
			due, _ := st.ListScheduledDue(ctx, t0.Add(2*time.Hour))
			if len(due) != 1 || due[0].ID != "e1" {
				t.Fatalf("due = %+v", due)
			}
			if due, _ := st.ListScheduledDue(ctx, t0); len(due) != 0 {
				t.Fatalf("not yet due: %+v", due)
			}
			if n, err := st.ReleaseExam(ctx, "e1"); err != nil || n != 1 {
				t.Fatalf("ReleaseExam: n=%d err=%v", n, err)
			}
			if n, _ := st.ReleaseExam(ctx, "e1"); n != 0 {
				t.Fatalf("ReleaseExam repeat: %d", n)
			}
			if err := st.SetReleased(ctx, "s1", false); err != nil {
				t.Fatalf("hide: %v", err)
			}

			list, err := st.ListSubmissions(ctx, exam.SubmissionListOpts{ExamID: "e1", Status: exam.StatusGraded})
			if err != nil || len(list) != 1 || list[0].ID != "s1" {
				t.Fatalf("list = %+v, %v", list, err)
			}
			if list[0].QuestionResults["q2"].Score != 4 {
				t.Fatalf("results not persisted: %+v", list[0].QuestionResults)
			}

			// duration changes are versioned
			e, err = st.UpdateExamDuration(ctx, "e1", 45)
			if err != nil || e.DurationMinutes != 45 || e.DurationVersion != 1 {
				t.Fatalf("UpdateExamDuration: %+v, %v", e, err)
			}
			if e, _ = st.UpdateExamDuration(ctx, "e1", 45); e.DurationVersion != 1 {
				t.Fatalf("no-op duration update bumped version")
			}
		})
	}
}

func TestStoreConcurrentFinalize(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open(t)
			_ = st.PutExam(ctx, sampleExam())
			if err := st.CreateSubmission(ctx, newAttempt("s1", "u1")); err != nil {
				t.Fatalf("CreateSubmission: %v", err)
			}

			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					s := newAttempt("s1", "u1")
					s.Status = exam.StatusGraded
					s.Score = float64(i)
					won, err := st.Finalize(ctx, s)
					if err != nil {
						t.Errorf("Finalize: %v", err)
						return
					}
					if won {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()
			if wins != 1 {
				t.Fatalf("%d finalizes won, want 1", wins)
			}
		})
	}
}
