package scraper

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"roster-alerts/pkg/roster"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func loadFixture(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile("testdata/transactions.html")
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return data
}

func TestTransactionsFixture(t *testing.T) {
	page, err := ParsePage(loadFixture(t), "https://echl.com/transactions")
	if err != nil {
		t.Fatalf("ParsePage() error = %v", err)
	}

	got, err := page.Transactions()
	if err != nil {
		t.Fatalf("Transactions() error = %v", err)
	}

	want := []roster.Candidate{
		{Player: "Jane Doe", Team: "Reading Royals", Detail: "Signed", Date: "Oct 14, 2026"},
		{Player: "Max Power", Team: "Maine Mariners", Detail: "Released", Date: "Oct 14, 2026"},
		{Player: "Sam Unlinked", Team: "Reading Royals", Detail: "Recalled from loan", Date: "Oct 13, 2026"},
		{Player: "Lee Chen", Team: "Norfolk Admirals", Detail: "Signed", Date: "Oct 12, 2026"},
		{Player: "Ana Ruiz", Team: "Reading Royals", Detail: "Placed on reserve", Date: "Oct 12, 2026"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Transactions() mismatch (-want +got):\n%s", diff)
	}
}

func TestTransactionsRerunnable(t *testing.T) {
	body := loadFixture(t)
	first, err := ParsePage(body, "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := ParsePage(body, "")
	if err != nil {
		t.Fatal(err)
	}

	a, _ := first.Transactions()
	b, _ := second.Transactions()
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("extraction not deterministic (-first +second):\n%s", diff)
	}
	again, _ := first.Transactions()
	if diff := cmp.Diff(a, again); diff != "" {
		t.Errorf("second extraction on the same page differs:\n%s", diff)
	}
}

func TestFingerprintIgnoresChurnOutsideTable(t *testing.T) {
	body := loadFixture(t)
	page, err := ParsePage(body, "")
	if err != nil {
		t.Fatal(err)
	}
	base, err := page.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	if len(base) != 64 {
		t.Errorf("Fingerprint() length = %d, want 64", len(base))
	}

	churned := strings.Replace(string(body), "rotating banner 7f3a", "rotating banner 9c1d", 1)
	page, err = ParsePage([]byte(churned), "")
	if err != nil {
		t.Fatal(err)
	}
	if fp, _ := page.Fingerprint(); fp != base {
		t.Error("fingerprint changed when only content outside the table changed")
	}

	edited := strings.Replace(string(body), "Placed on reserve", "Released", 1)
	page, err = ParsePage([]byte(edited), "")
	if err != nil {
		t.Fatal(err)
	}
	if fp, _ := page.Fingerprint(); fp == base {
		t.Error("fingerprint did not change when a table row changed")
	}
}

func TestStructuralFailures(t *testing.T) {
	tests := []struct {
		name string
		html string
	}{
		{
			name: "no container",
			html: `<html><body><table><tbody><tr><td>a</td></tr></tbody></table></body></html>`,
		},
		{
			name: "container without table",
			html: `<html><body><div class="@container/module-resolver"><p>Loading</p></div></body></html>`,
		},
		{
			name: "table with only incomplete rows",
			html: `<html><body><div class="@container/module-resolver"><table><tbody>
				<tr><td colspan="4">No transactions</td></tr>
				<tr><td>A</td><td>no team span</td><td>Signed</td><td><span>x</span><span>Oct 1</span></td></tr>
			</tbody></table></div></body></html>`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := ParsePage([]byte(tt.html), "")
			if err != nil {
				t.Fatalf("ParsePage() error = %v", err)
			}
			_, err = page.Transactions()
			if !IsStructuralError(err) {
				t.Errorf("Transactions() error = %v, want StructuralError", err)
			}
			if IsUpstreamError(err) {
				t.Error("structural failure must not be classified as upstream")
			}
		})
	}

	page, _ := ParsePage([]byte(tests[0].html), "")
	if _, err := page.Fingerprint(); !IsStructuralError(err) {
		t.Errorf("Fingerprint() error = %v, want StructuralError", err)
	}
}

func TestFetch(t *testing.T) {
	body := loadFixture(t)
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write(body); err != nil {
			t.Errorf("write: %v", err)
		}
	}))
	defer srv.Close()

	s := New(&Config{
		Client:    srv.Client(),
		Logger:    testLogger(),
		PageURL:   srv.URL,
		UserAgent: "roster-alerts-bot/test",
		Timeout:   5 * time.Second,
		Attempts:  1,
	})

	page, err := s.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if gotUA != "roster-alerts-bot/test" {
		t.Errorf("User-Agent = %q, want roster-alerts-bot/test", gotUA)
	}
	if page.URL != srv.URL {
		t.Errorf("page.URL = %q, want %q", page.URL, srv.URL)
	}
	if _, err := page.Transactions(); err != nil {
		t.Errorf("Transactions() error = %v", err)
	}
}

func TestFetchNon2xxIsUpstreamAndNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := New(&Config{
		Client:   srv.Client(),
		Logger:   testLogger(),
		PageURL:  srv.URL,
		Timeout:  5 * time.Second,
		Attempts: 3,
	})

	_, err := s.Fetch(context.Background())
	if !IsUpstreamError(err) {
		t.Fatalf("Fetch() error = %v, want UpstreamError", err)
	}
	if IsStructuralError(err) {
		t.Error("non-2xx must not be classified as structural")
	}
	if calls != 1 {
		t.Errorf("server called %d times, want 1", calls)
	}
}

func TestFetchTimeoutIsUpstream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	s := New(&Config{
		Client:   srv.Client(),
		Logger:   testLogger(),
		PageURL:  srv.URL,
		Timeout:  50 * time.Millisecond,
		Attempts: 1,
	})

	_, err := s.Fetch(context.Background())
	if !IsUpstreamError(err) {
		t.Fatalf("Fetch() error = %v, want UpstreamError", err)
	}
}

// TestFetchLivePage validates the parser against the real page. It needs network access.
func TestFetchLivePage(t *testing.T) {
	if testing.Short() || os.Getenv("LIVE_SCRAPE") == "" {
		t.Skip("skipping live scrape; set LIVE_SCRAPE=1 to run")
	}

	s := New(&Config{
		Client:  &http.Client{Timeout: 30 * time.Second},
		Logger:  testLogger(),
		PageURL: "https://echl.com/transactions",
	})

	page, err := s.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	txs, err := page.Transactions()
	if err != nil {
		t.Fatalf("Transactions() error = %v", err)
	}
	t.Logf("Found %d transactions, first: %+v", len(txs), txs[0])
}
