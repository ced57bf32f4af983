// Package examclient is the candidate-side session runtime: an HTTP client for
// the exam API, a countdown that only ever grows, periodic draft autosave and a
// submit deliverer that survives flaky connectivity.
package examclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// API is the server surface a Session needs.
type API interface {
	Start(ctx context.Context, examID string) (Attempt, error)
	SaveDraft(ctx context.Context, submissionID string, answers map[string]string) error
	Submit(ctx context.Context, submissionID string, answers map[string]string) (SubmitResult, error)
	Clock(ctx context.Context, submissionID string) (Clock, error)
	Ping(ctx context.Context) error
}

type Question struct {
	ID      string   `json:"id"`
	Type    string   `json:"type"`
	Text    string   `json:"text"`
	Options []string `json:"options,omitempty"`
	Points  float64  `json:"points"`
}

type Exam struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Questions          []Question `json:"questions"`
	DurationMinutes    int        `json:"duration_minutes"`
	AutoSubmitOnExpiry bool       `json:"auto_submit_on_expiry"`
}

type Clock struct {
	SubmissionID       string    `json:"submission_id"`
	StartedAt          time.Time `json:"started_at"`
	ServerTime         time.Time `json:"server_time"`
	Deadline           time.Time `json:"deadline"`
	DurationMinutes    int       `json:"duration_minutes"`
	DurationVersion    int       `json:"duration_version"`
	GracePeriodSeconds int       `json:"grace_period_seconds"`
	AutoSubmitOnExpiry bool      `json:"auto_submit_on_expiry"`
	RemainingSeconds   int64     `json:"remaining_seconds"`
	Submitted          bool      `json:"submitted"`
}

func (c Clock) Remaining() time.Duration { return time.Duration(c.RemainingSeconds) * time.Second }

type Attempt struct {
	SubmissionID string            `json:"submission_id"`
	Exam         Exam              `json:"exam"`
	StartedAt    time.Time         `json:"started_at"`
	Resumed      bool              `json:"resumed"`
	AnswersDraft map[string]string `json:"answers_draft"`
	Clock        Clock             `json:"clock"`
}

type SubmitResult struct {
	SubmissionID    string   `json:"submission_id"`
	Status          string   `json:"status"`
	Score           *float64 `json:"score,omitempty"`
	ResultsReleased bool     `json:"results_released"`
	Late            bool     `json:"late,omitempty"`
	Duplicate       bool     `json:"duplicate,omitempty"`
}

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.Op, e.Status, strings.TrimSpace(e.Body))
}

// Client talks to the exam API with a bearer token.
type Client struct {
	base  string
	token string
	http  *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &StatusError{Op: op, Status: res.StatusCode, Body: string(msg)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func (c *Client) Start(ctx context.Context, examID string) (Attempt, error) {
	var a Attempt
	err := c.do(ctx, "start", http.MethodPost, "/exams/"+url.PathEscape(examID)+"/attempts", nil, &a)
	return a, err
}

func (c *Client) SaveDraft(ctx context.Context, submissionID string, answers map[string]string) error {
	return c.do(ctx, "save draft", http.MethodPut, "/submissions/"+url.PathEscape(submissionID)+"/draft",
		map[string]any{"answers": answers}, nil)
}

func (c *Client) Submit(ctx context.Context, submissionID string, answers map[string]string) (SubmitResult, error) {
	var r SubmitResult
	err := c.do(ctx, "submit", http.MethodPost, "/submissions/"+url.PathEscape(submissionID)+"/submit",
		map[string]any{"answers": answers}, &r)
	return r, err
}

func (c *Client) Clock(ctx context.Context, submissionID string) (Clock, error) {
	var ck Clock
	err := c.do(ctx, "clock", http.MethodGet, "/submissions/"+url.PathEscape(submissionID)+"/clock", nil, &ck)
	return ck, err
}

// Ping checks reachability via the liveness endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", http.MethodGet, "/healthz", nil, nil)
}
