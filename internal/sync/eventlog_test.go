package syncx

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mind-engage/mindengage-exams/internal/db"
)

func TestEventRepoRecordAndSince(t *testing.T) {
	ctx := context.Background()
	dbh, err := db.Open(ctx, db.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = dbh.Close() })

	repo := NewEventRepo(dbh, "")
	if err := repo.Record(ctx, TypeSubmitted, "s1", map[string]any{"score": 3}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := repo.Record(ctx, TypeReleased, "s1", map[string]any{"released": true}); err != nil {
		t.Fatalf("record: %v", err)
	}

	all, err := repo.Since(ctx, 0, 10)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("want 2 events, got %d", len(all))
	}
	if all[0].Type != TypeSubmitted || all[1].Type != TypeReleased {
		t.Fatalf("events out of order: %+v", all)
	}
	if all[0].SiteID != "local" || all[0].Key != "s1" {
		t.Fatalf("unexpected event: %+v", all[0])
	}
	var data map[string]float64
	if err := json.Unmarshal([]byte(all[0].DataJSON), &data); err != nil || data["score"] != 3 {
		t.Fatalf("payload = %q (%v)", all[0].DataJSON, err)
	}

	rest, err := repo.Since(ctx, all[0].Seq, 10)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(rest) != 1 || rest[0].Type != TypeReleased {
		t.Fatalf("want only the release event, got %+v", rest)
	}
}
