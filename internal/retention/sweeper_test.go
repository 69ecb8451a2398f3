package retention

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/swarmguard/inquest/internal/investigation"
	"github.com/swarmguard/inquest/internal/progress"
	"github.com/swarmguard/inquest/internal/store"
)

func TestSweepArchivesOldTerminalInvestigations(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour).UTC()
	recent := time.Now().UTC()

	put := func(id string, status investigation.Status, updated time.Time) {
		t.Helper()
		err := st.PutInvestigation(ctx, investigation.Investigation{
			ID:        id,
			Entity:    investigation.EntityRef{Type: "user_id", ID: "1"},
			Status:    status,
			CreatedAt: updated,
			UpdatedAt: updated,
		})
		if err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	put("old-done", investigation.StatusCompleted, old)
	put("old-running", investigation.StatusRunning, old)
	put("fresh-done", investigation.StatusCompleted, recent)

	hub := progress.NewHub(8)
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s := NewSweeper(st, hub, 24*time.Hour, time.Hour, log)

	if err := s.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	visible, err := st.ListInvestigations(ctx, false, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := map[string]bool{}
	for _, inv := range visible {
		got[inv.ID] = true
	}
	if got["old-done"] {
		t.Fatal("old terminal investigation should be archived")
	}
	if !got["old-running"] {
		t.Fatal("running investigation must never be archived")
	}
	if !got["fresh-done"] {
		t.Fatal("recent terminal investigation should be kept")
	}
}

func TestStartRejectsBadCronExpr(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s := NewSweeper(st, progress.NewHub(8), time.Hour, time.Hour, log)
	if err := s.Start("not a cron"); err == nil {
		t.Fatal("invalid cron expression should be rejected")
	}
}
