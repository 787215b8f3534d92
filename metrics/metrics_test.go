package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"roster-alerts/pipeline"
	"roster-alerts/pkg/roster"
	"roster-alerts/push"
)

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RunCompleted(roster.OutcomeNewRows, 2*time.Second)
	c.RunCompleted(roster.OutcomeUnchanged, time.Second)
	c.RunCompleted(roster.OutcomeUnchanged, time.Second)
	c.RunFailed(pipeline.KindStructural, time.Second)
	c.TransactionsAdded(3)
	c.PushDelivered(push.Report{Sent: 4, Failed: 2, Retired: 1})

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"new rows runs", testutil.ToFloat64(c.runs.WithLabelValues("changed_with_new_rows")), 1},
		{"unchanged runs", testutil.ToFloat64(c.runs.WithLabelValues("unchanged")), 2},
		{"structural failures", testutil.ToFloat64(c.failures.WithLabelValues("structural")), 1},
		{"transactions", testutil.ToFloat64(c.transactions), 3},
		{"pushes sent", testutil.ToFloat64(c.pushes.WithLabelValues("sent")), 4},
		{"pushes retired", testutil.ToFloat64(c.pushes.WithLabelValues("retired")), 1},
	}
	for _, ck := range checks {
		if ck.got != ck.want {
			t.Errorf("%s = %v, want %v", ck.name, ck.got, ck.want)
		}
	}

	if n := testutil.CollectAndCount(c.runDuration); n != 1 {
		t.Errorf("run duration series = %d, want 1", n)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.TransactionsAdded(1)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "roster_transactions_added_total 1") {
		t.Errorf("metrics output missing counter:\n%s", body)
	}
}
