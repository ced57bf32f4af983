package exam

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memoryStore struct {
	mu          sync.RWMutex
	exams       map[string]Exam
	submissions map[string]Submission
}

// NewInMemoryStore is used by tests and by the offline demo mode.
func NewInMemoryStore() Store {
	return &memoryStore{
		exams:       map[string]Exam{},
		submissions: map[string]Submission{},
	}
}

func (m *memoryStore) PutExam(_ context.Context, e Exam) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().Unix()
	}
	e.DurationVersion = 0
	if old, ok := m.exams[e.ID]; ok {
		e.CreatedAt = old.CreatedAt
		e.DurationVersion = old.DurationVersion
		if old.DurationMinutes != e.DurationMinutes {
			e.DurationVersion++
		}
	}
	m.exams[e.ID] = copyExam(e)
	return nil
}

func (m *memoryStore) GetExam(_ context.Context, id string) (Exam, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.exams[id]
	if !ok {
		return Exam{}, fmt.Errorf("exam %s: %w", id, ErrNotFound)
	}
	return copyExam(e), nil
}

func (m *memoryStore) UpdateExamDuration(_ context.Context, examID string, minutes int) (Exam, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exams[examID]
	if !ok {
		return Exam{}, fmt.Errorf("exam %s: %w", examID, ErrNotFound)
	}
	if e.DurationMinutes != minutes {
		e.DurationMinutes = minutes
		e.DurationVersion++
		m.exams[examID] = e
	}
	return copyExam(e), nil
}

func (m *memoryStore) ListScheduledDue(_ context.Context, now time.Time) ([]Exam, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Exam
	for _, e := range m.exams {
		if e.ReleaseMode == ReleaseScheduled && e.ScheduledReleaseAt != nil && !now.Before(*e.ScheduledReleaseAt) {
			out = append(out, copyExam(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStore) CreateSubmission(_ context.Context, s Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.exams[s.ExamID]; !ok {
		return fmt.Errorf("exam %s: %w", s.ExamID, ErrNotFound)
	}
	for _, other := range m.submissions {
		if other.UserID == s.UserID && other.ExamID == s.ExamID && other.Active() {
			return fmt.Errorf("active attempt %s: %w", other.ID, ErrConflict)
		}
	}
	if _, ok := m.submissions[s.ID]; ok {
		return fmt.Errorf("submission %s exists: %w", s.ID, ErrConflict)
	}
	m.submissions[s.ID] = s.Clone()
	return nil
}

func (m *memoryStore) FindActiveSubmission(_ context.Context, userID, examID string) (Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.submissions {
		if s.UserID == userID && s.ExamID == examID && s.Active() {
			return s.Clone(), nil
		}
	}
	return Submission{}, fmt.Errorf("active attempt for %s/%s: %w", userID, examID, ErrNotFound)
}

func (m *memoryStore) GetSubmission(_ context.Context, id string) (Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.submissions[id]
	if !ok {
		return Submission{}, fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	return s.Clone(), nil
}

func (m *memoryStore) ListSubmissions(_ context.Context, opts SubmissionListOpts) ([]Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Submission, 0, len(m.submissions))
	for _, s := range m.submissions {
		if opts.ExamID != "" && s.ExamID != opts.ExamID {
			continue
		}
		if opts.UserID != "" && s.UserID != opts.UserID {
			continue
		}
		if opts.Status != "" && s.Status != opts.Status {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []Submission{}, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *memoryStore) CountActiveSubmissions(_ context.Context, examID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.submissions {
		if s.ExamID == examID && s.Active() {
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) SaveDraft(_ context.Context, id string, answers map[string]string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.submissions[id]
	if !ok {
		return fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	if s.Status != StatusUngraded {
		return fmt.Errorf("submission %s already submitted: %w", id, ErrInvalidState)
	}
	s.AnswersDraft = cloneAnswers(answers)
	s.DraftSavedAt = &at
	m.submissions[id] = s
	return nil
}

func (m *memoryStore) Finalize(_ context.Context, s Submission) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.submissions[s.ID]
	if !ok {
		return false, fmt.Errorf("submission %s: %w", s.ID, ErrNotFound)
	}
	if cur.Status != StatusUngraded {
		return false, nil
	}
	s = s.Clone()
	s.Version = cur.Version + 1
	m.submissions[s.ID] = s
	return true, nil
}

func (m *memoryStore) UpdateResults(_ context.Context, s Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.submissions[s.ID]
	if !ok {
		return fmt.Errorf("submission %s: %w", s.ID, ErrNotFound)
	}
	if cur.Version != s.Version || cur.Status == StatusUngraded {
		return fmt.Errorf("submission %s changed concurrently: %w", s.ID, ErrConflict)
	}
	cur.QuestionResults = s.Clone().QuestionResults
	cur.Score = s.Score
	cur.Status = s.Status
	cur.Version++
	m.submissions[s.ID] = cur
	return nil
}

func (m *memoryStore) SetReleased(_ context.Context, id string, released bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.submissions[id]
	if !ok {
		return fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	if !s.Submitted() {
		return fmt.Errorf("submission %s not submitted: %w", id, ErrInvalidState)
	}
	s.ResultsReleased = released
	m.submissions[id] = s
	return nil
}

func (m *memoryStore) ReleaseExam(_ context.Context, examID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.submissions {
		if s.ExamID == examID && s.Submitted() && !s.ResultsReleased {
			s.ResultsReleased = true
			m.submissions[id] = s
			n++
		}
	}
	return n, nil
}

func copyExam(e Exam) Exam {
	e.Questions = append([]Question(nil), e.Questions...)
	if e.ScheduledReleaseAt != nil {
		t := *e.ScheduledReleaseAt
		e.ScheduledReleaseAt = &t
	}
	if e.Policy != nil {
		p := *e.Policy
		e.Policy = &p
	}
	return e
}
