package examclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeAPI is an in-process server stand-in.
type fakeAPI struct {
	mu         sync.Mutex
	attempt    Attempt
	clock      Clock
	drafts     []map[string]string
	submits    int
	submitErrs []error // consumed in order; nil entries succeed
	saveErr    error
}

func (f *fakeAPI) Start(context.Context, string) (Attempt, error) { return f.attempt, nil }

func (f *fakeAPI) SaveDraft(_ context.Context, _ string, answers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.drafts = append(f.drafts, answers)
	return nil
}

func (f *fakeAPI) Submit(_ context.Context, id string, _ map[string]string) (SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return SubmitResult{}, err
		}
	}
	return SubmitResult{SubmissionID: id, Status: "GRADED"}, nil
}

func (f *fakeAPI) Clock(context.Context, string) (Clock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clock, nil
}

func (f *fakeAPI) Ping(context.Context) error { return nil }

func newFake() *fakeAPI {
	ck := Clock{DurationMinutes: 30, RemainingSeconds: 30 * 60, AutoSubmitOnExpiry: true}
	return &fakeAPI{
		attempt: Attempt{
			SubmissionID: "sub-1",
			Exam:         Exam{ID: "e1", Questions: []Question{{ID: "q1"}, {ID: "q2"}}},
			Clock:        ck,
		},
		clock: ck,
	}
}

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time { return c.t }

func noSleep(context.Context, time.Duration) error { return nil }

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	api := newFake()
	api.submitErrs = []error{errors.New("connection reset"), errors.New("timeout"), nil}
	var slept []time.Duration
	d := &Deliverer{API: api, Sleep: func(_ context.Context, dur time.Duration) error {
		slept = append(slept, dur)
		return nil
	}}
	res, err := d.Deliver(context.Background(), "sub-1", map[string]string{"q1": "a"})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if res.SubmissionID != "sub-1" || api.submits != 3 {
		t.Fatalf("res=%+v submits=%d", res, api.submits)
	}
	if len(slept) != 2 || slept[0] != 2*time.Second {
		t.Fatalf("slept = %v", slept)
	}
}

func TestDeliverExhausts(t *testing.T) {
	api := newFake()
	api.submitErrs = []error{errors.New("x"), errors.New("y"), errors.New("z"), nil}
	d := &Deliverer{API: api, Sleep: noSleep}
	_, err := d.Deliver(context.Background(), "sub-1", nil)
	var fatal *FatalDeliveryError
	if !errors.As(err, &fatal) || fatal.SubmissionID != "sub-1" {
		t.Fatalf("err = %v, want FatalDeliveryError for sub-1", err)
	}
	if !errors.Is(err, ErrDeliveryFailure) {
		t.Fatalf("err = %v, want it to wrap ErrDeliveryFailure", err)
	}
	if api.submits != 3 {
		t.Fatalf("submits = %d, want 3", api.submits)
	}
}

func TestDeliverRetriesThrottledSubmits(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusRequestTimeout, http.StatusTooEarly} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			api := newFake()
			api.submitErrs = []error{&StatusError{Op: "submit", Status: status}, nil}
			d := &Deliverer{API: api, Sleep: noSleep}
			res, err := d.Deliver(context.Background(), "sub-1", nil)
			if err != nil {
				t.Fatalf("Deliver: %v", err)
			}
			if api.submits != 2 || res.SubmissionID != "sub-1" {
				t.Fatalf("res=%+v submits=%d", res, api.submits)
			}
		})
	}
}

func TestDeliverOfflineWaitDoesNotBurnAttempts(t *testing.T) {
	api := newFake()
	api.submitErrs = []error{errors.New("x"), errors.New("y"), nil}
	probes := 0
	var slept []time.Duration
	d := &Deliverer{
		API: api,
		// offline for the first two probes
		Online: func(context.Context) bool { probes++; return probes > 2 },
		Sleep: func(_ context.Context, dur time.Duration) error {
			slept = append(slept, dur)
			return nil
		},
	}
	if _, err := d.Deliver(context.Background(), "sub-1", nil); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if api.submits != 3 {
		t.Fatalf("submits = %d", api.submits)
	}
	if slept[0] != 2*time.Minute || slept[1] != 2*time.Minute {
		t.Fatalf("offline waits = %v", slept)
	}
}

func TestDeliverGivesUpWhenNeverOnline(t *testing.T) {
	api := newFake()
	d := &Deliverer{API: api, MaxOfflineWaits: 2, Sleep: noSleep, Online: func(context.Context) bool { return false }}
	_, err := d.Deliver(context.Background(), "sub-1", nil)
	var fatal *FatalDeliveryError
	if !errors.As(err, &fatal) || !errors.Is(err, ErrDeliveryFailure) {
		t.Fatalf("err = %v", err)
	}
	if api.submits != 0 {
		t.Fatalf("submitted while offline")
	}
}

func TestDeliverClientErrorIsFatal(t *testing.T) {
	api := newFake()
	api.submitErrs = []error{&StatusError{Op: "submit", Status: http.StatusForbidden}}
	d := &Deliverer{API: api, Sleep: noSleep}
	_, err := d.Deliver(context.Background(), "sub-1", nil)
	var fatal *FatalDeliveryError
	if !errors.As(err, &fatal) || fatal.SubmissionID != "sub-1" {
		t.Fatalf("err = %v, want FatalDeliveryError", err)
	}
	if errors.Is(err, ErrDeliveryFailure) {
		t.Fatalf("rejection reported as exhausted retries: %v", err)
	}
	if api.submits != 1 {
		t.Fatalf("submits = %d", api.submits)
	}
}

func TestCountdown(t *testing.T) {
	start := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	fired := 0
	c := NewCountdown(start.Add(10*time.Minute), func() { fired++ })

	if c.Extend(-5 * time.Minute) {
		t.Fatalf("negative extension applied")
	}
	if !c.Extend(5 * time.Minute) {
		t.Fatalf("positive extension ignored")
	}
	if got := c.Remaining(start); got != 15*time.Minute {
		t.Fatalf("remaining = %v", got)
	}
	if c.Tick(start.Add(14 * time.Minute)) {
		t.Fatalf("expired early")
	}
	for i := 0; i < 3; i++ {
		if !c.Tick(start.Add(16 * time.Minute)) {
			t.Fatalf("not expired")
		}
	}
	if fired != 1 {
		t.Fatalf("onExpire fired %d times", fired)
	}
	if c.Extend(time.Minute) {
		t.Fatalf("extended after expiry")
	}
}

func TestSessionSubmitNeedsConfirmation(t *testing.T) {
	api := newFake()
	s, err := Open(context.Background(), api, "e1", Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Deliverer.Sleep = noSleep
	s.SetAnswer("q1", "Paris")

	if _, err := s.Submit(context.Background(), false); !errors.Is(err, ErrUnansweredQuestions) {
		t.Fatalf("err = %v, want ErrUnansweredQuestions", err)
	}
	if api.submits != 0 {
		t.Fatalf("submitted without confirmation")
	}
	if _, err := s.Submit(context.Background(), true); err != nil {
		t.Fatalf("confirmed submit: %v", err)
	}
	if _, err := s.Submit(context.Background(), true); err != nil {
		t.Fatalf("repeat submit: %v", err)
	}
	if api.submits != 1 {
		t.Fatalf("submits = %d, want 1", api.submits)
	}
}

func TestSessionAutoSubmitOnce(t *testing.T) {
	api := newFake()
	clk := &stepClock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	s, err := Open(context.Background(), api, "e1", Options{Now: clk.now})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Deliverer.Sleep = noSleep
	ctx := context.Background()

	clk.t = clk.t.Add(29 * time.Minute)
	if expired, _ := s.Tick(ctx); expired {
		t.Fatalf("expired before deadline")
	}
	clk.t = clk.t.Add(2 * time.Minute)
	for i := 0; i < 3; i++ {
		expired, err := s.Tick(ctx)
		if !expired || err != nil {
			t.Fatalf("tick %d: expired=%v err=%v", i, expired, err)
		}
	}
	if api.submits != 1 {
		t.Fatalf("auto-submit ran %d times", api.submits)
	}
	if _, ok := s.Result(); !ok {
		t.Fatalf("no result after auto-submit")
	}
}

func TestSessionConcurrentTicksSubmitOnce(t *testing.T) {
	api := newFake()
	clk := &stepClock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	s, err := Open(context.Background(), api, "e1", Options{Now: clk.now})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Deliverer.Sleep = noSleep
	clk.t = clk.t.Add(31 * time.Minute)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Tick(context.Background())
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	if api.submits != 1 {
		t.Fatalf("auto-submit ran %d times", api.submits)
	}
}

func TestSessionPollExtendsOnlyForward(t *testing.T) {
	api := newFake()
	clk := &stepClock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	s, _ := Open(context.Background(), api, "e1", Options{Now: clk.now})
	ctx := context.Background()

	api.clock.DurationMinutes, api.clock.DurationVersion = 40, 1
	if err := s.PollClock(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if got := s.Remaining(); got != 40*time.Minute {
		t.Fatalf("remaining after extension = %v", got)
	}
	// same version again is a no-op
	_ = s.PollClock(ctx)
	if got := s.Remaining(); got != 40*time.Minute {
		t.Fatalf("remaining after repeat poll = %v", got)
	}
	api.clock.DurationMinutes, api.clock.DurationVersion = 20, 2
	_ = s.PollClock(ctx)
	if got := s.Remaining(); got != 40*time.Minute {
		t.Fatalf("countdown shortened to %v", got)
	}
}

func TestAutosave(t *testing.T) {
	api := newFake()
	s, _ := Open(context.Background(), api, "e1", Options{})
	ctx := context.Background()

	s.Autosave(ctx)
	if len(api.drafts) != 0 {
		t.Fatalf("saved without changes")
	}
	s.SetAnswer("q1", "a")
	s.Autosave(ctx)
	s.Autosave(ctx)
	if len(api.drafts) != 1 || api.drafts[0]["q1"] != "a" {
		t.Fatalf("drafts = %v", api.drafts)
	}

	api.saveErr = errors.New("offline")
	s.SetAnswer("q2", "b")
	s.Autosave(ctx) // logged, not surfaced
	api.saveErr = nil
	s.Autosave(ctx)
	if len(api.drafts) != 2 || api.drafts[1]["q2"] != "b" {
		t.Fatalf("failed draft not retried: %v", api.drafts)
	}
}

func TestClientAgainstServer(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.Method + " " + r.URL.Path
		switch r.URL.Path {
		case "/submissions/s-1/submit":
			var body struct {
				Answers map[string]string `json:"answers"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			score := 10.0
			if body.Answers["q1"] != "Paris" {
				score = 0
			}
			_ = json.NewEncoder(w).Encode(SubmitResult{SubmissionID: "s-1", Status: "GRADED", Score: &score, ResultsReleased: true})
		case "/submissions/s-1/draft":
			http.Error(w, "already submitted", http.StatusConflict)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "tok", time.Second)
	res, err := c.Submit(context.Background(), "s-1", map[string]string{"q1": "Paris"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if gotAuth != "Bearer tok" || gotPath != "POST /submissions/s-1/submit" {
		t.Fatalf("auth=%q path=%q", gotAuth, gotPath)
	}
	if res.Score == nil || *res.Score != 10 {
		t.Fatalf("score = %v", res.Score)
	}

	err = c.SaveDraft(context.Background(), "s-1", map[string]string{})
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusConflict {
		t.Fatalf("err = %v, want 409 StatusError", err)
	}
}
