package sqlstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"roster-alerts/pkg/roster"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	db, err := Open(filepath.Join(t.TempDir(), "roster.db"), logger)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func tx(n int) roster.Transaction {
	c := roster.Candidate{
		Player: fmt.Sprintf("Player %d", n),
		Team:   "Reading Royals",
		Detail: "Released",
		Date:   "Oct 15, 2026",
	}
	return c.Promote(time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC))
}

func TestFingerprint(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if fp, err := db.Fingerprint(ctx); err != nil || fp != "" {
		t.Fatalf("Fingerprint() on empty db = %q, %v", fp, err)
	}
	for _, want := range []string{"first", "second"} {
		if err := db.SetFingerprint(ctx, want); err != nil {
			t.Fatalf("SetFingerprint(%q) error = %v", want, err)
		}
		if got, _ := db.Fingerprint(ctx); got != want {
			t.Errorf("Fingerprint() = %q, want %q", got, want)
		}
	}
}

func TestAppendNewOrdering(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.AppendNew(ctx, []roster.Transaction{tx(1), tx(2), tx(3)}); err != nil {
		t.Fatalf("AppendNew() error = %v", err)
	}
	if err := db.AppendNew(ctx, nil); err != nil {
		t.Fatalf("AppendNew(nil) error = %v", err)
	}

	recent, err := db.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	want := []string{tx(3).ID, tx(2).ID, tx(1).ID}
	if len(recent) != len(want) {
		t.Fatalf("Recent() returned %d, want %d", len(recent), len(want))
	}
	for i, id := range want {
		if recent[i].ID != id {
			t.Errorf("Recent()[%d] = %s, want %s", i, recent[i].Player, id)
		}
		if known, _ := db.IsKnown(ctx, id); !known {
			t.Errorf("IsKnown(%s) = false", id)
		}
	}
	if !recent[0].SeenAt.Equal(tx(3).SeenAt) {
		t.Errorf("SeenAt = %v, want %v", recent[0].SeenAt, tx(3).SeenAt)
	}
}

func TestAppendNewTrimsAndForgets(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	const total = roster.MaxRecords + 10
	batch := make([]roster.Transaction, 0, total)
	for i := range total {
		batch = append(batch, tx(i))
	}
	if err := db.AppendNew(ctx, batch); err != nil {
		t.Fatalf("AppendNew() error = %v", err)
	}

	recent, err := db.Recent(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != roster.MaxRecords {
		t.Fatalf("ledger size = %d, want %d", len(recent), roster.MaxRecords)
	}
	for i := range 10 {
		if known, _ := db.IsKnown(ctx, tx(i).ID); known {
			t.Errorf("evicted record %d still known", i)
		}
	}
	if known, _ := db.IsKnown(ctx, tx(10).ID); !known {
		t.Error("oldest retained record not known")
	}

	limited, _ := db.Recent(ctx, 5)
	if len(limited) != 5 || limited[0].ID != tx(total-1).ID {
		t.Errorf("Recent(5) = %d records starting with %v", len(limited), limited)
	}
}

func TestIsKnownFallsBackToLedger(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.AppendNew(ctx, []roster.Transaction{tx(7)}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM seen`); err != nil {
		t.Fatal(err)
	}
	if known, err := db.IsKnown(ctx, tx(7).ID); err != nil || !known {
		t.Errorf("IsKnown() = %v, %v; want true from ledger", known, err)
	}
}

func TestSubscribers(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	sub := roster.Subscriber{
		Subscription: roster.PushSubscription{
			Endpoint: "https://push.example/x",
			Keys:     roster.PushKeys{P256dh: "p", Auth: "a"},
		},
		Email:    "fan@example.com",
		IsActive: true,
	}
	if err := db.Upsert(ctx, sub); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	other := sub
	other.Subscription.Endpoint = "https://push.example/y"
	if err := db.Upsert(ctx, other); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	active, err := db.ListActive(ctx)
	if err != nil || len(active) != 2 {
		t.Fatalf("ListActive() = %d, %v; want 2", len(active), err)
	}

	for range 2 {
		if err := db.Retire(ctx, sub.Subscription.Endpoint); err != nil {
			t.Fatalf("Retire() error = %v", err)
		}
	}
	if err := db.Retire(ctx, "https://push.example/missing"); err != nil {
		t.Fatalf("Retire() unknown error = %v", err)
	}

	active, _ = db.ListActive(ctx)
	if len(active) != 1 || active[0].Subscription.Endpoint != other.Subscription.Endpoint {
		t.Errorf("ListActive() after retire = %+v", active)
	}

	// Re-subscribing revives the endpoint.
	if err := db.Upsert(ctx, sub); err != nil {
		t.Fatal(err)
	}
	if active, _ = db.ListActive(ctx); len(active) != 2 {
		t.Errorf("ListActive() after resubscribe = %d, want 2", len(active))
	}
}

func TestLease(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	db.now = func() time.Time { return now }

	if ok, err := db.AcquireLease(ctx, "pipeline-run", "a", time.Minute); err != nil || !ok {
		t.Fatalf("AcquireLease(a) = %v, %v", ok, err)
	}
	if ok, _ := db.AcquireLease(ctx, "pipeline-run", "b", time.Minute); ok {
		t.Fatal("AcquireLease(b) succeeded while a holds the lease")
	}
	if err := db.ReleaseLease(ctx, "pipeline-run", "b"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := db.AcquireLease(ctx, "pipeline-run", "b", time.Minute); ok {
		t.Fatal("non-owner release dropped the lease")
	}

	now = now.Add(time.Minute)
	if ok, _ := db.AcquireLease(ctx, "pipeline-run", "b", time.Minute); !ok {
		t.Fatal("expired lease not taken over")
	}
	if err := db.ReleaseLease(ctx, "pipeline-run", "b"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := db.AcquireLease(ctx, "pipeline-run", "c", time.Minute); !ok {
		t.Error("lease not available after owner release")
	}
}
