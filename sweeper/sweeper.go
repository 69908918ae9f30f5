// Package sweeper runs the periodic expiry sweeps: vault sessions, pending
// recovery requests and group unlock requests.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/threshold-vault-backend/metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultInterval is the sweep period when none is configured.
const DefaultInterval = time.Minute

// Job is one named sweep. Run returns how many records it expired.
type Job struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Sweeper runs its jobs on a fixed interval independent of request traffic.
// Concurrent RunOnce calls share a single pass.
type Sweeper struct {
	jobs     []Job
	interval time.Duration
	timeout  time.Duration
	flight   singleflight.Group
	log      *slog.Logger
}

func New(interval time.Duration, log *slog.Logger, jobs ...Job) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		jobs:     jobs,
		interval: interval,
		timeout:  interval,
		log:      log,
	}
}

// RunOnce runs every job concurrently and returns the per-job counts. A job
// failure does not stop the other jobs; the first error is returned.
func (s *Sweeper) RunOnce(ctx context.Context) (map[string]int, error) {
	v, err, _ := s.flight.Do("sweep", func() (any, error) {
		return s.run(ctx)
	})
	counts, _ := v.(map[string]int)
	return counts, err
}

func (s *Sweeper) run(ctx context.Context) (map[string]int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		mu     sync.Mutex
		counts = make(map[string]int, len(s.jobs))
		g      errgroup.Group
	)
	for _, job := range s.jobs {
		g.Go(func() error {
			started := time.Now()
			n, err := job.Run(ctx)
			metrics.ObserveSweep(job.Name, started)
			if err != nil {
				s.log.Error("sweep failed", "sweep", job.Name, "err", err)
				return fmt.Errorf("%s sweep: %w", job.Name, err)
			}
			mu.Lock()
			counts[job.Name] = n
			mu.Unlock()
			if n > 0 {
				s.log.Debug("sweep expired records", "sweep", job.Name, "count", n)
			}
			return nil
		})
	}
	err := g.Wait()
	return counts, err
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info("sweeper started", "interval", s.interval, "jobs", len(s.jobs))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		// Errors are logged per job; the loop keeps going.
		_, _ = s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}
