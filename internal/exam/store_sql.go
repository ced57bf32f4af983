package exam

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type SQLStore struct {
	db     *sql.DB
	driver string // "sqlite" or "postgres"
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

const examColumns = `id,title,questions_json,duration_minutes,duration_version,grace_period_seconds,
	auto_submit,pass_mark,total_points,release_mode,scheduled_release_at,published,policy_json,created_at`

const submissionColumns = `id,exam_id,user_id,status,answers_json,draft_json,results_json,score,
	started_at,submitted_at,draft_saved_at,late,results_released,version`

func (s *SQLStore) PutExam(ctx context.Context, e Exam) error {
	qj, err := json.Marshal(e.Questions)
	if err != nil {
		return err
	}
	pj := ""
	if e.Policy != nil {
		buf, err := json.Marshal(e.Policy)
		if err != nil {
			return err
		}
		pj = string(buf)
	}
	created := e.CreatedAt
	if created == 0 {
		created = time.Now().Unix()
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO exams (`+examColumns+`)
		VALUES ($1,$2,$3,$4,0,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
		  title=EXCLUDED.title,
		  questions_json=EXCLUDED.questions_json,
		  duration_version=CASE WHEN exams.duration_minutes <> EXCLUDED.duration_minutes
		    THEN exams.duration_version + 1 ELSE exams.duration_version END,
		  duration_minutes=EXCLUDED.duration_minutes,
		  grace_period_seconds=EXCLUDED.grace_period_seconds,
		  auto_submit=EXCLUDED.auto_submit,
		  pass_mark=EXCLUDED.pass_mark,
		  total_points=EXCLUDED.total_points,
		  release_mode=EXCLUDED.release_mode,
		  scheduled_release_at=EXCLUDED.scheduled_release_at,
		  published=EXCLUDED.published,
		  policy_json=EXCLUDED.policy_json`,
		e.ID, e.Title, string(qj), e.DurationMinutes, e.GracePeriodSeconds,
		boolInt(e.AutoSubmitOnExpiry), e.PassMark, e.TotalPoints, string(e.ReleaseMode),
		nullMillis(e.ScheduledReleaseAt), boolInt(e.Published), pj, created)
	return err
}

func (s *SQLStore) GetExam(ctx context.Context, id string) (Exam, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+examColumns+` FROM exams WHERE id=$1`, id)
	e, err := scanExam(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Exam{}, fmt.Errorf("exam %s: %w", id, ErrNotFound)
	}
	return e, err
}

func (s *SQLStore) UpdateExamDuration(ctx context.Context, examID string, minutes int) (Exam, error) {
	_, err := s.db.ExecContext(ctx, `UPDATE exams
		SET duration_version = duration_version + 1, duration_minutes = $1
		WHERE id = $2 AND duration_minutes <> $1`, minutes, examID)
	if err != nil {
		return Exam{}, err
	}
	return s.GetExam(ctx, examID)
}

func (s *SQLStore) ListScheduledDue(ctx context.Context, now time.Time) ([]Exam, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+examColumns+` FROM exams
		WHERE release_mode = $1 AND scheduled_release_at IS NOT NULL AND scheduled_release_at <= $2
		ORDER BY id`, string(ReleaseScheduled), now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Exam
	for rows.Next() {
		e, err := scanExam(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) CreateSubmission(ctx context.Context, sub Submission) error {
	var exist int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM exams WHERE id=$1`, sub.ExamID).Scan(&exist); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("exam %s: %w", sub.ExamID, ErrNotFound)
		}
		return err
	}
	aj, dj, rj, err := marshalSubmission(sub)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO submissions (`+submissionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		sub.ID, sub.ExamID, sub.UserID, string(sub.Status), aj, dj, rj, sub.Score,
		sub.StartedAt.UnixMilli(), nullMillis(sub.SubmittedAt), nullMillis(sub.DraftSavedAt),
		boolInt(sub.Late), boolInt(sub.ResultsReleased), sub.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("active attempt for %s/%s: %w", sub.UserID, sub.ExamID, ErrConflict)
		}
		return err
	}
	return nil
}

func (s *SQLStore) FindActiveSubmission(ctx context.Context, userID, examID string) (Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions
		WHERE user_id=$1 AND exam_id=$2 AND status=$3 AND results_released=0`,
		userID, examID, string(StatusUngraded))
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Submission{}, fmt.Errorf("active attempt for %s/%s: %w", userID, examID, ErrNotFound)
	}
	return sub, err
}

func (s *SQLStore) GetSubmission(ctx context.Context, id string) (Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id=$1`, id)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Submission{}, fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	return sub, err
}

func (s *SQLStore) ListSubmissions(ctx context.Context, opts SubmissionListOpts) ([]Submission, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if opts.ExamID != "" {
		add("exam_id = $%d", opts.ExamID)
	}
	if opts.UserID != "" {
		add("user_id = $%d", opts.UserID)
	}
	if opts.Status != "" {
		add("status = $%d", string(opts.Status))
	}
	q := `SELECT ` + submissionColumns + ` FROM submissions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at DESC, id"
	if opts.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", opts.Limit)
		if opts.Offset > 0 {
			q += fmt.Sprintf(" OFFSET %d", opts.Offset)
		}
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Submission{}
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *SQLStore) CountActiveSubmissions(ctx context.Context, examID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions
		WHERE exam_id=$1 AND status=$2 AND results_released=0`, examID, string(StatusUngraded)).Scan(&n)
	return n, err
}

func (s *SQLStore) SaveDraft(ctx context.Context, id string, answers map[string]string, at time.Time) error {
	buf, err := json.Marshal(answers)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE submissions SET draft_json=$1, draft_saved_at=$2
		WHERE id=$3 AND status=$4`, string(buf), at.UnixMilli(), id, string(StatusUngraded))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missOrState(ctx, id)
	}
	return nil
}

func (s *SQLStore) Finalize(ctx context.Context, sub Submission) (bool, error) {
	aj, _, rj, err := marshalSubmission(sub)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE submissions
		SET status=$1, answers_json=$2, results_json=$3, score=$4, submitted_at=$5,
		    late=$6, results_released=$7, version=version+1
		WHERE id=$8 AND status=$9`,
		string(sub.Status), aj, rj, sub.Score, nullMillis(sub.SubmittedAt),
		boolInt(sub.Late), boolInt(sub.ResultsReleased), sub.ID, string(StatusUngraded))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetSubmission(ctx, sub.ID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *SQLStore) UpdateResults(ctx context.Context, sub Submission) error {
	rj, err := json.Marshal(sub.QuestionResults)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE submissions
		SET results_json=$1, score=$2, status=$3, version=version+1
		WHERE id=$4 AND version=$5 AND status<>$6`,
		string(rj), sub.Score, string(sub.Status), sub.ID, sub.Version, string(StatusUngraded))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetSubmission(ctx, sub.ID); err != nil {
			return err
		}
		return fmt.Errorf("submission %s changed concurrently: %w", sub.ID, ErrConflict)
	}
	return nil
}

func (s *SQLStore) SetReleased(ctx context.Context, id string, released bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE submissions SET results_released=$1
		WHERE id=$2 AND status<>$3`, boolInt(released), id, string(StatusUngraded))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.missOrState(ctx, id)
	}
	return nil
}

func (s *SQLStore) ReleaseExam(ctx context.Context, examID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE submissions SET results_released=1
		WHERE exam_id=$1 AND results_released=0 AND status<>$2`, examID, string(StatusUngraded))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// missOrState tells a missing row apart from a row in the wrong state after a
// conditional update touched nothing.
func (s *SQLStore) missOrState(ctx context.Context, id string) error {
	if _, err := s.GetSubmission(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("submission %s: %w", id, ErrInvalidState)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExam(row scanner) (Exam, error) {
	var (
		e                  Exam
		qjson, pjson, mode string
		autoSubmit, pub    int
		scheduled          sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.Title, &qjson, &e.DurationMinutes, &e.DurationVersion,
		&e.GracePeriodSeconds, &autoSubmit, &e.PassMark, &e.TotalPoints, &mode, &scheduled,
		&pub, &pjson, &e.CreatedAt); err != nil {
		return Exam{}, err
	}
	if err := json.Unmarshal([]byte(qjson), &e.Questions); err != nil {
		return Exam{}, err
	}
	if pjson != "" {
		var p Policy
		if err := json.Unmarshal([]byte(pjson), &p); err != nil {
			return Exam{}, err
		}
		e.Policy = &p
	}
	e.ReleaseMode = ReleaseMode(mode)
	e.AutoSubmitOnExpiry = autoSubmit != 0
	e.Published = pub != 0
	e.ScheduledReleaseAt = fromMillis(scheduled)
	return e, nil
}

func scanSubmission(row scanner) (Submission, error) {
	var (
		sub                         Submission
		status, ajson, djson, rjson string
		started                     int64
		submitted, draftSaved       sql.NullInt64
		late, released              int
	)
	if err := row.Scan(&sub.ID, &sub.ExamID, &sub.UserID, &status, &ajson, &djson, &rjson,
		&sub.Score, &started, &submitted, &draftSaved, &late, &released, &sub.Version); err != nil {
		return Submission{}, err
	}
	sub.Status = Status(status)
	sub.StartedAt = time.UnixMilli(started).UTC()
	sub.SubmittedAt = fromMillis(submitted)
	sub.DraftSavedAt = fromMillis(draftSaved)
	sub.Late = late != 0
	sub.ResultsReleased = released != 0
	if err := json.Unmarshal([]byte(ajson), &sub.Answers); err != nil || sub.Answers == nil {
		sub.Answers = map[string]string{}
	}
	if err := json.Unmarshal([]byte(djson), &sub.AnswersDraft); err != nil || sub.AnswersDraft == nil {
		sub.AnswersDraft = map[string]string{}
	}
	if err := json.Unmarshal([]byte(rjson), &sub.QuestionResults); err != nil || sub.QuestionResults == nil {
		sub.QuestionResults = map[string]QuestionResult{}
	}
	return sub, nil
}

func marshalSubmission(sub Submission) (answers, draft, results string, err error) {
	if sub.Answers == nil {
		sub.Answers = map[string]string{}
	}
	if sub.AnswersDraft == nil {
		sub.AnswersDraft = map[string]string{}
	}
	if sub.QuestionResults == nil {
		sub.QuestionResults = map[string]QuestionResult{}
	}
	a, err := json.Marshal(sub.Answers)
	if err != nil {
		return "", "", "", err
	}
	d, err := json.Marshal(sub.AnswersDraft)
	if err != nil {
		return "", "", "", err
	}
	r, err := json.Marshal(sub.QuestionResults)
	if err != nil {
		return "", "", "", err
	}
	return string(a), string(d), string(r), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || // sqlite
		strings.Contains(msg, "duplicate key value") // postgres
}
