// Package scheduler runs the maintenance loops beside the HTTP server:
// periodic relay health probes, audit retention sweeps and the config file
// watch.
package scheduler

import (
	"context"
	"time"

	"github.com/bundlepay/bundlepay/config"
	"github.com/bundlepay/bundlepay/relay"
	"github.com/bundlepay/bundlepay/storage"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"
)

// Scheduler owns the background loops. Intervals are re-read from the config
// store on every pass, so a reload takes effect without restarting the loops.
type Scheduler struct {
	cfg     *config.Store
	relays  *relay.Set
	monitor *relay.Monitor
	store   *storage.Store
}

func New(cfg *config.Store, relays *relay.Set, monitor *relay.Monitor, store *storage.Store) *Scheduler {
	return &Scheduler{cfg: cfg, relays: relays, monitor: monitor, store: store}
}

// Run drives all loops until ctx is cancelled, returning nil on a clean
// shutdown. Any other return value is a loop failure the caller should treat
// as fatal.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.probeLoop(ctx) })
	g.Go(func() error { return s.sweepLoop(ctx) })
	g.Go(func() error { return s.cfg.Watch(ctx) })
	return g.Wait()
}

// probeLoop health-checks the relay set, once at startup and then at the
// shortest interval any enabled builder configures.
func (s *Scheduler) probeLoop(ctx context.Context) error {
	s.monitor.Probe(ctx, s.relays.All())
	timer := time.NewTimer(s.probeInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			s.monitor.Probe(ctx, s.relays.All())
			timer.Reset(s.probeInterval())
		}
	}
}

func (s *Scheduler) probeInterval() time.Duration {
	var interval uint64
	for _, b := range s.cfg.Current().EnabledBuilders() {
		if iv := b.HealthCheckIntervalSeconds; iv > 0 && (interval == 0 || iv < interval) {
			interval = iv
		}
	}
	if interval == 0 {
		interval = 60
	}
	return time.Duration(interval) * time.Second
}

func (s *Scheduler) sweepLoop(ctx context.Context) error {
	timer := time.NewTimer(s.sweepInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			s.sweep(ctx)
			timer.Reset(s.sweepInterval())
		}
	}
}

func (s *Scheduler) sweepInterval() time.Duration {
	iv := s.cfg.Current().Storage.CleanupIntervalSeconds
	if iv == 0 {
		iv = 300
	}
	return time.Duration(iv) * time.Second
}

// sweep deletes audit records older than the retention window. A zero
// retention keeps records forever.
func (s *Scheduler) sweep(ctx context.Context) {
	retention := time.Duration(s.cfg.Current().Storage.RetentionHours) * time.Hour
	if retention == 0 {
		return
	}
	pruned, err := s.store.PruneOlderThan(ctx, time.Now().Add(-retention))
	if err != nil {
		log.Error("Audit retention sweep failed", "err", err)
		return
	}
	if pruned > 0 {
		log.Info("Pruned expired audit records", "count", pruned, "retention", retention)
	}
}
