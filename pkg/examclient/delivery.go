package examclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ErrDeliveryFailure means every submit attempt failed. The answers are
// still held by the caller and can be resubmitted by hand.
var ErrDeliveryFailure = errors.New("submission delivery failed")

// FatalDeliveryError ends a delivery: either the server rejected the submit
// outright or every retry was used up. The candidate has to hand in the
// answers some other way; Err wraps ErrDeliveryFailure in the second case.
type FatalDeliveryError struct {
	SubmissionID string
	Err          error
}

func (e *FatalDeliveryError) Error() string {
	return fmt.Sprintf("submission %s not delivered: %v", e.SubmissionID, e.Err)
}

func (e *FatalDeliveryError) Unwrap() error { return e.Err }

// retryable reports whether a failed submit may succeed when tried again.
// Transport errors and 5xx are retried, as are timeouts and rate limits.
func retryable(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return true
	}
	switch se.Status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return se.Status < 400 || se.Status >= 500
}

// Deliverer pushes the final answers with bounded retries. Waiting for the
// network to come back does not use up a retry.
type Deliverer struct {
	API API

	Attempts        int           // default 3
	RetryDelay      time.Duration // default 2s
	OfflineWait     time.Duration // default 2m
	MaxOfflineWaits int           // default 5

	// Online reports connectivity; defaults to API.Ping.
	Online func(ctx context.Context) bool
	// Sleep is swapped in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Log   *zap.Logger
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (d *Deliverer) defaults() {
	if d.Attempts <= 0 {
		d.Attempts = 3
	}
	if d.RetryDelay <= 0 {
		d.RetryDelay = 2 * time.Second
	}
	if d.OfflineWait <= 0 {
		d.OfflineWait = 2 * time.Minute
	}
	if d.MaxOfflineWaits <= 0 {
		d.MaxOfflineWaits = 5
	}
	if d.Online == nil {
		d.Online = func(ctx context.Context) bool { return d.API.Ping(ctx) == nil }
	}
	if d.Sleep == nil {
		d.Sleep = sleepCtx
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
}

// Deliver submits the answers. The server treats submits as idempotent, so a
// retry after a lost response is safe.
func (d *Deliverer) Deliver(ctx context.Context, submissionID string, answers map[string]string) (SubmitResult, error) {
	d.defaults()
	var last error
	offline := 0
	for attempt := 1; attempt <= d.Attempts; {
		if !d.Online(ctx) {
			if offline >= d.MaxOfflineWaits {
				return SubmitResult{}, &FatalDeliveryError{
					SubmissionID: submissionID,
					Err:          fmt.Errorf("%w: still offline after %d waits", ErrDeliveryFailure, offline),
				}
			}
			offline++
			d.Log.Warn("offline, waiting before submit", zap.Duration("wait", d.OfflineWait), zap.Int("wait_no", offline))
			if err := d.Sleep(ctx, d.OfflineWait); err != nil {
				return SubmitResult{}, err
			}
			continue
		}

		res, err := d.API.Submit(ctx, submissionID, answers)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return SubmitResult{}, ctx.Err()
		}
		if !retryable(err) {
			return SubmitResult{}, &FatalDeliveryError{SubmissionID: submissionID, Err: err}
		}
		last = err
		d.Log.Warn("submit failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < d.Attempts {
			if err := d.Sleep(ctx, d.RetryDelay); err != nil {
				return SubmitResult{}, err
			}
		}
		attempt++
	}
	return SubmitResult{}, &FatalDeliveryError{
		SubmissionID: submissionID,
		Err:          fmt.Errorf("%w after %d attempts: %w", ErrDeliveryFailure, d.Attempts, last),
	}
}
