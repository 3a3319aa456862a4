package reconcile

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tiergate/internal/types"
)

// StaleLister pages through snapshots whose last reconciliation is older
// than the staleness window.
type StaleLister interface {
	ListStale(ctx context.Context, stalerThanSeconds int, limit int) ([]*types.TierSnapshot, error)
}

// SweeperConfig tunes the bulk reconciliation sweep.
type SweeperConfig struct {
	// Staleness is the snapshot age that qualifies a user for a refresh.
	Staleness time.Duration
	// Concurrency bounds parallel reconciliation passes.
	Concurrency int
	// BatchLimit caps how many snapshots one sweep invocation touches.
	BatchLimit int
}

func (c *SweeperConfig) applyDefaults() {
	if c.Staleness <= 0 {
		c.Staleness = 15 * time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 500
	}
}

// SweepReport summarizes one sweep invocation.
type SweepReport struct {
	Scanned     int `json:"scanned"`
	Processor   int `json:"processor"`
	Cache       int `json:"cache"`
	Synthesized int `json:"synthesized"`
}

// Sweeper runs bulk reconciliation over stale snapshots. It exists for the
// scheduled worker: users without an active session still converge with the
// processor within the staleness window.
type Sweeper struct {
	rec    *Reconciler
	lister StaleLister
	cfg    SweeperConfig
	logger types.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(rec *Reconciler, lister StaleLister, cfg SweeperConfig, logger types.Logger) *Sweeper {
	cfg.applyDefaults()
	return &Sweeper{rec: rec, lister: lister, cfg: cfg, logger: logger}
}

// Sweep lists stale snapshots and reconciles each, bounded by the configured
// concurrency. Individual reconciliation passes never fail; the only error
// path is the stale listing itself.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	stale, err := s.lister.ListStale(ctx, int(s.cfg.Staleness.Seconds()), s.cfg.BatchLimit)
	if err != nil {
		return SweepReport{}, err
	}

	var (
		mu     sync.Mutex
		report = SweepReport{Scanned: len(stale)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, snap := range stale {
		snap := snap
		g.Go(func() error {
			result := s.rec.Reconcile(gctx, snap.UserID, snap.Contact)
			mu.Lock()
			switch result.Source {
			case types.SourceProcessor:
				report.Processor++
			case types.SourceCache:
				report.Cache++
			case types.SourceSynthesized:
				report.Synthesized++
			}
			mu.Unlock()
			return nil
		})
	}
	// Workers never return errors; Wait only orders completion.
	_ = g.Wait()

	s.logger.Info("sweep complete",
		"scanned", report.Scanned,
		"processor", report.Processor,
		"cache", report.Cache,
		"synthesized", report.Synthesized,
	)
	return report, nil
}
