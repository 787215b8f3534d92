package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"roster-alerts/pkg/roster"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(nil, "", t.TempDir(), logger)
}

func tx(n int) roster.Transaction {
	c := roster.Candidate{
		Player: fmt.Sprintf("Player %d", n),
		Team:   "Reading Royals",
		Detail: "Signed",
		Date:   "Oct 14, 2026",
	}
	return c.Promote(time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC))
}

func TestFingerprintRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fp, err := s.Fingerprint(ctx)
	if err != nil {
		t.Fatalf("Fingerprint() on empty store error = %v", err)
	}
	if fp != "" {
		t.Errorf("Fingerprint() on empty store = %q, want empty", fp)
	}

	if err := s.SetFingerprint(ctx, "abc123"); err != nil {
		t.Fatalf("SetFingerprint() error = %v", err)
	}
	if fp, _ := s.Fingerprint(ctx); fp != "abc123" {
		t.Errorf("Fingerprint() = %q, want abc123", fp)
	}
}

func TestAppendNewAndIsKnown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch := []roster.Transaction{tx(1), tx(2), tx(3)}
	for _, r := range batch {
		known, err := s.IsKnown(ctx, r.ID)
		if err != nil {
			t.Fatalf("IsKnown() error = %v", err)
		}
		if known {
			t.Errorf("IsKnown(%s) = true before append", r.ID)
		}
	}

	if err := s.AppendNew(ctx, batch); err != nil {
		t.Fatalf("AppendNew() error = %v", err)
	}
	for _, r := range batch {
		if known, _ := s.IsKnown(ctx, r.ID); !known {
			t.Errorf("IsKnown(%s) = false after append", r.ID)
		}
	}

	// Each record is pushed onto the head in batch order, so the last one leads.
	recent, err := s.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	wantOrder := []string{tx(3).ID, tx(2).ID, tx(1).ID}
	if len(recent) != len(wantOrder) {
		t.Fatalf("Recent() returned %d records, want %d", len(recent), len(wantOrder))
	}
	for i, id := range wantOrder {
		if recent[i].ID != id {
			t.Errorf("Recent()[%d].ID = %s, want %s", i, recent[i].ID, id)
		}
	}

	if err := s.AppendNew(ctx, []roster.Transaction{tx(4)}); err != nil {
		t.Fatal(err)
	}
	recent, _ = s.Recent(ctx, 2)
	if len(recent) != 2 || recent[0].ID != tx(4).ID || recent[1].ID != tx(3).ID {
		t.Errorf("Recent(2) after second append = %+v", recent)
	}
}

func TestAppendNewCapacityTrim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const total = roster.MaxRecords + 25
	var batch []roster.Transaction
	for i := range total {
		batch = append(batch, tx(i))
		if len(batch) == 100 || i == total-1 {
			if err := s.AppendNew(ctx, batch); err != nil {
				t.Fatalf("AppendNew() error = %v", err)
			}
			batch = nil
		}
	}

	recent, err := s.Recent(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != roster.MaxRecords {
		t.Fatalf("ledger size = %d, want %d", len(recent), roster.MaxRecords)
	}
	if recent[0].ID != tx(total-1).ID {
		t.Errorf("newest record = %s, want %s", recent[0].Player, tx(total-1).Player)
	}
	if recent[len(recent)-1].ID != tx(25).ID {
		t.Errorf("oldest retained record = %s, want %s", recent[len(recent)-1].Player, tx(25).Player)
	}

	for i := range 25 {
		if known, _ := s.IsKnown(ctx, tx(i).ID); known {
			t.Errorf("evicted record %d still known", i)
		}
	}
	if known, _ := s.IsKnown(ctx, tx(25).ID); !known {
		t.Error("oldest retained record not known")
	}
}

func TestIsKnownReconcilesLedgerWithoutSeenEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AppendNew(ctx, []roster.Transaction{tx(1)}); err != nil {
		t.Fatal(err)
	}
	// Simulate a crash after the ledger write but before the seen set write.
	if err := os.Remove(filepath.Join(s.localPath, seenKey)); err != nil {
		t.Fatal(err)
	}

	known, err := s.IsKnown(ctx, tx(1).ID)
	if err != nil {
		t.Fatalf("IsKnown() error = %v", err)
	}
	if !known {
		t.Error("record present in ledger but absent from seen set must be known")
	}
}

func TestLedgerSkipsMalformedEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	good := tx(1)
	raw := fmt.Sprintf(`[{"garbage":true},"not an object",{"id":%q,"player":%q,"team":%q,"detail":%q,"date":%q,"seenAt":"2026-10-14T12:00:00Z"}]`,
		good.ID, good.Player, good.Team, good.Detail, good.Date)
	if err := os.WriteFile(filepath.Join(s.localPath, ledgerKey), []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	recent, err := s.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 1 || recent[0].ID != good.ID {
		t.Errorf("Recent() = %+v, want only the well-formed record", recent)
	}
}

func subscriber(endpoint string) roster.Subscriber {
	return roster.Subscriber{
		Subscription: roster.PushSubscription{
			Endpoint: endpoint,
			Keys:     roster.PushKeys{P256dh: "p256dh-key", Auth: "auth-key"},
		},
		FirstName: "Pat",
		LastName:  "Fan",
		Email:     "pat@example.com",
		CreatedAt: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC),
		IsActive:  true,
	}
}

func TestSubscriberLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Same person from two browsers: two independent subscribers.
	if err := s.Upsert(ctx, subscriber("https://push.example/a")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := s.Upsert(ctx, subscriber("https://push.example/b")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := s.Upsert(ctx, subscriber("https://push.example/a")); err != nil {
		t.Fatalf("Upsert() replace error = %v", err)
	}

	active, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("ListActive() returned %d subscribers, want 2", len(active))
	}

	if err := s.Retire(ctx, "https://push.example/a"); err != nil {
		t.Fatalf("Retire() error = %v", err)
	}
	if err := s.Retire(ctx, "https://push.example/a"); err != nil {
		t.Fatalf("second Retire() error = %v", err)
	}
	if err := s.Retire(ctx, "https://push.example/unknown"); err != nil {
		t.Fatalf("Retire() of unknown endpoint error = %v", err)
	}

	active, _ = s.ListActive(ctx)
	if len(active) != 1 || active[0].Subscription.Endpoint != "https://push.example/b" {
		t.Errorf("ListActive() after retire = %+v", active)
	}

	if err := s.Upsert(ctx, roster.Subscriber{}); err == nil {
		t.Error("Upsert() accepted a subscriber without a push subscription")
	}
}

func TestRetireConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Upsert(ctx, subscriber("https://push.example/gone")); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Retire(ctx, "https://push.example/gone"); err != nil {
				t.Errorf("Retire() error = %v", err)
			}
		}()
	}
	wg.Wait()

	active, err := s.ListActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Errorf("ListActive() = %d subscribers, want 0", len(active))
	}
}

func TestLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	ok, err := s.AcquireLease(ctx, "pipeline-run", "run-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("AcquireLease() = %v, %v; want true", ok, err)
	}

	ok, err = s.AcquireLease(ctx, "pipeline-run", "run-2", time.Minute)
	if err != nil || ok {
		t.Fatalf("contended AcquireLease() = %v, %v; want false", ok, err)
	}

	// Releasing with the wrong owner leaves the lease in place.
	if err := s.ReleaseLease(ctx, "pipeline-run", "run-2"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.AcquireLease(ctx, "pipeline-run", "run-3", time.Minute); ok {
		t.Fatal("lease acquired after release by non-owner")
	}

	now = now.Add(2 * time.Minute)
	ok, err = s.AcquireLease(ctx, "pipeline-run", "run-4", time.Minute)
	if err != nil || !ok {
		t.Fatalf("AcquireLease() after expiry = %v, %v; want true", ok, err)
	}

	if err := s.ReleaseLease(ctx, "pipeline-run", "run-4"); err != nil {
		t.Fatalf("ReleaseLease() error = %v", err)
	}
	if ok, _ := s.AcquireLease(ctx, "pipeline-run", "run-5", time.Minute); !ok {
		t.Error("lease not available after release")
	}
}
