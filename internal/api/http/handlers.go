package http

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mind-engage/mindengage-exams/internal/exam"
	"github.com/mind-engage/mindengage-exams/internal/rbac"
	"github.com/mind-engage/mindengage-exams/internal/review"
	"github.com/mind-engage/mindengage-exams/internal/session"
)

type handlers struct {
	d   Deps
	log *zap.Logger
}

func caller(r *http.Request) session.Caller {
	return session.Caller{
		UserID: rbac.SubjectFromContext(r.Context()),
		Role:   rbac.RoleFromContext(r.Context()),
	}
}

// POST /exams
func (h *handlers) putExam(w http.ResponseWriter, r *http.Request) {
	var e exam.Exam
	if err := decodeJSON(w, r, &e); err != nil {
		writeError(w, h.log, "put exam", err)
		return
	}
	saved, err := h.d.Sessions.PutExam(r.Context(), e)
	if err != nil {
		writeError(w, h.log, "put exam", err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

// PATCH /exams/{examID}/duration  { "duration_minutes": 45 }
func (h *handlers) updateDuration(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DurationMinutes int `json:"duration_minutes"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, "update duration", err)
		return
	}
	e, err := h.d.Sessions.UpdateDuration(r.Context(), chi.URLParam(r, "examID"), req.DurationMinutes)
	if err != nil {
		writeError(w, h.log, "update duration", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"exam_id":          e.ID,
		"duration_minutes": e.DurationMinutes,
		"duration_version": e.DurationVersion,
	})
}

// POST /exams/{examID}/attempts
func (h *handlers) startAttempt(w http.ResponseWriter, r *http.Request) {
	a, err := h.d.Sessions.StartOrResume(r.Context(), caller(r).UserID, chi.URLParam(r, "examID"))
	if err != nil {
		writeError(w, h.log, "start attempt", err)
		return
	}
	status := http.StatusCreated
	if a.Resumed {
		status = http.StatusOK
	}
	writeJSON(w, status, a)
}

type answersReq struct {
	Answers map[string]string `json:"answers"`
}

// PUT /submissions/{id}/draft
func (h *handlers) saveDraft(w http.ResponseWriter, r *http.Request) {
	var req answersReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, "save draft", err)
		return
	}
	at, err := h.d.Sessions.SaveDraft(r.Context(), caller(r), chi.URLParam(r, "id"), req.Answers)
	if err != nil {
		writeError(w, h.log, "save draft", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"saved_at": at})
}

// POST /submissions/{id}/submit
// An empty body submits the last saved draft.
func (h *handlers) submit(w http.ResponseWriter, r *http.Request) {
	var req answersReq
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, h.log, "submit", err)
		return
	}
	res, err := h.d.Sessions.Submit(r.Context(), caller(r), chi.URLParam(r, "id"), req.Answers)
	if err != nil {
		writeError(w, h.log, "submit", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /submissions/{id}/clock
func (h *handlers) clock(w http.ResponseWriter, r *http.Request) {
	ck, err := h.d.Sessions.Clock(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, "clock", err)
		return
	}
	writeJSON(w, http.StatusOK, ck)
}

// GET /submissions/{id}
func (h *handlers) getSubmission(w http.ResponseWriter, r *http.Request) {
	v, err := h.d.Sessions.GetSubmission(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, "get submission", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// GET /submissions?exam_id=...&user_id=...&status=...&limit=50&offset=0
// Callers without attempt:view-all only ever see their own rows.
func (h *handlers) listSubmissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.d.Sessions.ListSubmissions(r.Context(), caller(r), exam.SubmissionListOpts{
		ExamID: strings.TrimSpace(q.Get("exam_id")),
		UserID: strings.TrimSpace(q.Get("user_id")),
		Status: exam.Status(strings.TrimSpace(q.Get("status"))),
		Limit:  parseIntDefault(q.Get("limit"), 50),
		Offset: parseIntDefault(q.Get("offset"), 0),
	})
	if err != nil {
		writeError(w, h.log, "list submissions", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type gradeReq struct {
	// Single-question form.
	QuestionID string  `json:"question_id,omitempty"`
	Score      float64 `json:"score,omitempty"`
	Feedback   string  `json:"feedback,omitempty"`
	// Batch form: question_id -> grade.
	Items    map[string]review.Grade `json:"items,omitempty"`
	Finalize bool                    `json:"finalize,omitempty"`
}

// POST /submissions/{id}/grades
func (h *handlers) manualGrade(w http.ResponseWriter, r *http.Request) {
	var req gradeReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.log, "manual grade", err)
		return
	}
	items := req.Items
	if req.QuestionID != "" {
		if items == nil {
			items = map[string]review.Grade{}
		}
		items[req.QuestionID] = review.Grade{Score: req.Score, Feedback: req.Feedback}
	}
	sub, err := h.d.Review.Apply(r.Context(), caller(r).UserID, chi.URLParam(r, "id"), items, req.Finalize)
	if err != nil {
		writeError(w, h.log, "manual grade", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"score": sub.Score, "status": sub.Status})
}

// POST /regrade
func (h *handlers) regradeAll(w http.ResponseWriter, r *http.Request) {
	rep, err := h.d.Review.RegradeAll(r.Context())
	if err != nil {
		writeError(w, h.log, "regrade", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated_count": rep.Updated, "report": rep})
}

// POST /submissions/{id}/release  { "release": true }
func (h *handlers) releaseOne(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Release *bool `json:"release"`
	}{}
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, h.log, "release", err)
		return
	}
	release := true
	if req.Release != nil {
		release = *req.Release
	}
	got, err := h.d.Release.ReleaseOne(r.Context(), chi.URLParam(r, "id"), release)
	if err != nil {
		writeError(w, h.log, "release", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"results_released": got})
}

// POST /exams/{examID}/release
func (h *handlers) releaseExam(w http.ResponseWriter, r *http.Request) {
	n, err := h.d.Release.ReleaseExam(r.Context(), chi.URLParam(r, "examID"))
	if err != nil {
		writeError(w, h.log, "release exam", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"released_count": n})
}

// POST /release/sweep
func (h *handlers) sweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.d.Release.Sweep(r.Context())
	if err != nil {
		writeError(w, h.log, "release sweep", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"released_count": n})
}
