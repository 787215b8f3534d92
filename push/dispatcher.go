package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"roster-alerts/pkg/roster"
)

const defaultConcurrency = 8

// Retirer marks a subscriber's endpoint as permanently dead.
type Retirer interface {
	Retire(ctx context.Context, endpoint string) error
}

// Report counts per-subscriber outcomes of one Notify call.
type Report struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Retired int `json:"retired"`
}

// Config configures a Dispatcher.
type Config struct {
	Relay       Relay
	Registry    Retirer
	Logger      *slog.Logger
	Payload     Payload // Title, icon, badge and URL; empty fields take the defaults
	Concurrency int
}

// Dispatcher fans one notification out to every active subscriber.
type Dispatcher struct {
	relay       Relay
	registry    Retirer
	logger      *slog.Logger
	base        Payload
	concurrency int
}

// NewDispatcher creates a dispatcher from cfg.
func NewDispatcher(cfg *Config) *Dispatcher {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Dispatcher{
		relay:       cfg.Relay,
		registry:    cfg.Registry,
		logger:      cfg.Logger,
		base:        cfg.Payload.withDefaults(),
		concurrency: concurrency,
	}
}

// Notify sends one message about txs to each subscriber. Sends are independent:
// a gone endpoint is retired, any other failure is logged and skipped.
func (d *Dispatcher) Notify(ctx context.Context, txs []roster.Transaction, subs []roster.Subscriber) Report {
	if len(txs) == 0 || len(subs) == 0 {
		return Report{}
	}

	p := d.base
	p.Body = Body(txs)
	payload, err := json.Marshal(p)
	if err != nil {
		d.logger.Error("Failed to encode push payload", "error", err)
		return Report{Failed: len(subs)}
	}

	var sent, failed, retired atomic.Int64
	var g errgroup.Group
	g.SetLimit(d.concurrency)

	for _, sub := range subs {
		g.Go(func() error {
			err := d.relay.Send(ctx, sub.Subscription, payload)
			switch {
			case err == nil:
				sent.Add(1)
			case IsGoneError(err):
				failed.Add(1)
				if rerr := d.registry.Retire(ctx, sub.Subscription.Endpoint); rerr != nil {
					d.logger.Error("Failed to retire dead subscriber", "email", sub.Email, "error", rerr)
					return nil
				}
				retired.Add(1)
				d.logger.Info("Retired subscriber with gone endpoint", "email", sub.Email, "error", err)
			default:
				failed.Add(1)
				d.logger.Warn("Push send failed", "email", sub.Email, "error", err)
			}
			return nil
		})
	}
	// Workers never return errors.
	_ = g.Wait()

	report := Report{Sent: int(sent.Load()), Failed: int(failed.Load()), Retired: int(retired.Load())}
	d.logger.Info("Push fan-out complete",
		"transactions", len(txs),
		"subscribers", len(subs),
		"sent", report.Sent,
		"failed", report.Failed,
		"retired", report.Retired)
	return report
}

// SendTest delivers a one-off message to a single subscription, bypassing retirement.
// An empty title keeps the configured one.
func (d *Dispatcher) SendTest(ctx context.Context, sub roster.PushSubscription, title, body string) error {
	p := d.base
	if title != "" {
		p.Title = title
	}
	p.Body = body
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return d.relay.Send(ctx, sub, payload)
}
