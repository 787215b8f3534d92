// Package pipeline runs the fetch, change-detect, extract, dedup, persist and
// notify sequence for one tracked team.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"roster-alerts/pkg/roster"
	"roster-alerts/push"
	"roster-alerts/scraper"
)

const (
	leaseName       = "pipeline-run"
	defaultLeaseTTL = 2 * time.Minute
)

// Fetcher retrieves and parses the transactions page.
type Fetcher interface {
	Fetch(ctx context.Context) (*scraper.Page, error)
}

// Ledger is the dedup store plus the page fingerprint.
type Ledger interface {
	Fingerprint(ctx context.Context) (string, error)
	SetFingerprint(ctx context.Context, fingerprint string) error
	IsKnown(ctx context.Context, id string) (bool, error)
	AppendNew(ctx context.Context, txs []roster.Transaction) error
}

// Registry lists push recipients.
type Registry interface {
	ListActive(ctx context.Context) ([]roster.Subscriber, error)
}

// Leaser provides the run lease that keeps runs from overlapping.
type Leaser interface {
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, owner string) error
}

// Notifier fans a batch out to subscribers.
type Notifier interface {
	Notify(ctx context.Context, txs []roster.Transaction, subs []roster.Subscriber) push.Report
}

// Alerter tells the operator about structural failures.
type Alerter interface {
	SendStructuralAlert(ctx context.Context, pageURL, reason string, at time.Time) error
}

// Recorder observes run outcomes.
type Recorder interface {
	RunCompleted(outcome roster.Outcome, d time.Duration)
	RunFailed(kind Kind, d time.Duration)
	TransactionsAdded(n int)
	PushDelivered(r push.Report)
}

// Options are the per-run flags supplied by the trigger.
type Options struct {
	Force    bool // Continue past an unchanged fingerprint and empty batches
	SendPush bool // Run the notify step when new records exist
}

// Config configures an Orchestrator. Leaser, Alerter and Metrics are optional.
type Config struct {
	Fetcher  Fetcher
	Ledger   Ledger
	Registry Registry
	Notifier Notifier
	Leaser   Leaser
	Alerter  Alerter
	Metrics  Recorder
	Logger   *slog.Logger
	Team     string // Tracked team, compared against the long team name
	PageURL  string // For alerts
	LeaseTTL time.Duration
}

// Orchestrator sequences one pipeline run. It owns no persisted state.
type Orchestrator struct {
	fetcher  Fetcher
	ledger   Ledger
	registry Registry
	notifier Notifier
	leaser   Leaser
	alerter  Alerter
	metrics  Recorder
	logger   *slog.Logger
	now      func() time.Time
	team     string
	pageURL  string
	leaseTTL time.Duration
}

// New creates an orchestrator from cfg.
func New(cfg *Config) *Orchestrator {
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Orchestrator{
		fetcher:  cfg.Fetcher,
		ledger:   cfg.Ledger,
		registry: cfg.Registry,
		notifier: cfg.Notifier,
		leaser:   cfg.Leaser,
		alerter:  cfg.Alerter,
		metrics:  metrics,
		logger:   cfg.Logger,
		now:      time.Now,
		team:     cfg.Team,
		pageURL:  cfg.PageURL,
		leaseTTL: ttl,
	}
}

// Run executes one pipeline run. Failures are returned as *RunError and leave
// the fingerprint and ledger untouched unless persisting already succeeded.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*roster.Result, error) {
	start := o.now()
	runID := uuid.NewString()
	logger := o.logger.With("run_id", runID, "force", opts.Force, "send_push", opts.SendPush)

	if o.leaser != nil {
		ok, err := o.leaser.AcquireLease(ctx, leaseName, runID, o.leaseTTL)
		if err != nil {
			return nil, o.fail(ctx, logger, start, &RunError{Stage: StageLease, Kind: KindStore, Err: err})
		}
		if !ok {
			logger.Info("Run skipped, lease held by another run")
			res := &roster.Result{Outcome: roster.OutcomeSkipped, Records: []roster.Transaction{}, Forced: opts.Force, SendPush: opts.SendPush}
			o.metrics.RunCompleted(res.Outcome, o.now().Sub(start))
			return res, nil
		}
		defer func() {
			// Release even when the caller's context is already done.
			if err := o.leaser.ReleaseLease(context.WithoutCancel(ctx), leaseName, runID); err != nil {
				logger.Warn("Failed to release run lease", "error", err)
			}
		}()
	}

	res, err := o.run(ctx, logger, opts)
	if err != nil {
		return nil, o.fail(ctx, logger, start, err)
	}

	duration := o.now().Sub(start)
	o.metrics.RunCompleted(res.Outcome, duration)
	logger.Info("Run completed",
		"outcome", res.Outcome,
		"changed", res.Changed,
		"new", res.NewCount,
		"notified", res.NotifiedCount,
		"duration_ms", duration.Milliseconds())
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, logger *slog.Logger, opts Options) (*roster.Result, error) {
	res := &roster.Result{Records: []roster.Transaction{}, Forced: opts.Force, SendPush: opts.SendPush}

	page, err := o.fetcher.Fetch(ctx)
	if err != nil {
		if scraper.IsStructuralError(err) {
			return nil, &RunError{Stage: StageFetch, Kind: KindStructural, Err: err}
		}
		return nil, &RunError{Stage: StageFetch, Kind: KindUpstream, Err: err}
	}

	fingerprint, err := page.Fingerprint()
	if err != nil {
		return nil, &RunError{Stage: StageHash, Kind: KindStructural, Err: err}
	}
	stored, err := o.ledger.Fingerprint(ctx)
	if err != nil {
		return nil, &RunError{Stage: StageHash, Kind: KindStore, Err: err}
	}
	res.Changed = fingerprint != stored

	if !res.Changed && !opts.Force {
		res.Outcome = roster.OutcomeUnchanged
		return res, nil
	}

	candidates, err := page.Transactions()
	if err != nil {
		return nil, &RunError{Stage: StageExtract, Kind: KindStructural, Err: err}
	}

	var tracked []roster.Candidate
	for _, c := range candidates {
		if c.Team == o.team {
			tracked = append(tracked, c)
		}
	}
	fresh, err := o.dedup(ctx, tracked)
	if err != nil {
		return nil, &RunError{Stage: StageDedup, Kind: KindStore, Err: err}
	}
	logger.Info("Candidates filtered",
		"candidates", len(candidates),
		"tracked", len(tracked),
		"new", len(fresh))

	if len(fresh) == 0 {
		if err := o.ledger.SetFingerprint(ctx, fingerprint); err != nil {
			return nil, &RunError{Stage: StagePersist, Kind: KindStore, Err: err}
		}
		res.Outcome = roster.OutcomeChangedNoNewRows
		if !res.Changed {
			res.Outcome = roster.OutcomeUnchanged
		}
		return res, nil
	}

	if err := o.ledger.AppendNew(ctx, fresh); err != nil {
		return nil, &RunError{Stage: StagePersist, Kind: KindStore, Err: err}
	}
	if err := o.ledger.SetFingerprint(ctx, fingerprint); err != nil {
		return nil, &RunError{Stage: StagePersist, Kind: KindStore, Err: err}
	}
	o.metrics.TransactionsAdded(len(fresh))
	res.Outcome = roster.OutcomeNewRows
	res.NewCount = len(fresh)
	res.Records = fresh

	if !opts.SendPush {
		return res, nil
	}
	subs, err := o.registry.ListActive(ctx)
	if err != nil {
		return nil, &RunError{Stage: StageNotify, Kind: KindStore, Err: fmt.Errorf("list subscribers: %w", err)}
	}
	report := o.notifier.Notify(ctx, fresh, subs)
	o.metrics.PushDelivered(report)
	res.NotifiedCount = report.Sent
	return res, nil
}

// dedup promotes candidates whose id is neither stored nor repeated earlier in the batch.
func (o *Orchestrator) dedup(ctx context.Context, candidates []roster.Candidate) ([]roster.Transaction, error) {
	now := o.now()
	fresh := []roster.Transaction{}
	inBatch := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		id := roster.TransactionID(c)
		if inBatch[id] {
			continue
		}
		inBatch[id] = true

		known, err := o.ledger.IsKnown(ctx, id)
		if err != nil {
			return nil, err
		}
		if !known {
			fresh = append(fresh, c.Promote(now))
		}
	}
	return fresh, nil
}

// Insert persists operator-supplied candidates without fetching, hashing,
// team filtering or notifying.
func (o *Orchestrator) Insert(ctx context.Context, candidates []roster.Candidate) (*roster.InsertResult, error) {
	var complete []roster.Candidate
	for _, c := range candidates {
		c = normalize(c)
		if c.Complete() {
			complete = append(complete, c)
		}
	}

	fresh, err := o.dedup(ctx, complete)
	if err != nil {
		return nil, &RunError{Stage: StageDedup, Kind: KindStore, Err: err}
	}
	if err := o.ledger.AppendNew(ctx, fresh); err != nil {
		return nil, &RunError{Stage: StagePersist, Kind: KindStore, Err: err}
	}
	o.metrics.TransactionsAdded(len(fresh))

	o.logger.Info("Manual insert completed", "received", len(candidates), "added", len(fresh))
	return &roster.InsertResult{Records: fresh, Received: len(candidates), Added: len(fresh)}, nil
}

func (o *Orchestrator) fail(ctx context.Context, logger *slog.Logger, start time.Time, err error) error {
	re, ok := AsRunError(err)
	if !ok {
		re = &RunError{Kind: KindStore, Err: err}
	}
	duration := o.now().Sub(start)
	o.metrics.RunFailed(re.Kind, duration)
	logger.Error("Run failed",
		"stage", re.Stage,
		"kind", re.Kind,
		"duration_ms", duration.Milliseconds(),
		"error", re.Err)

	if re.Kind == KindStructural && o.alerter != nil {
		if aerr := o.alerter.SendStructuralAlert(ctx, o.pageURL, re.Err.Error(), o.now()); aerr != nil {
			logger.Warn("Failed to send structural alert", "error", aerr)
		}
	}
	return re
}

func normalize(c roster.Candidate) roster.Candidate {
	return roster.Candidate{
		Player: strings.Join(strings.Fields(c.Player), " "),
		Team:   strings.Join(strings.Fields(c.Team), " "),
		Detail: strings.Join(strings.Fields(c.Detail), " "),
		Date:   strings.Join(strings.Fields(c.Date), " "),
	}
}

type nopRecorder struct{}

func (nopRecorder) RunCompleted(roster.Outcome, time.Duration) {}
func (nopRecorder) RunFailed(Kind, time.Duration)              {}
func (nopRecorder) TransactionsAdded(int)                      {}
func (nopRecorder) PushDelivered(push.Report)                  {}
