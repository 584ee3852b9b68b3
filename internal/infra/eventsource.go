package infra

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/sentinelkids/agent/internal/domain"
)

const (
	// defaultSampleInterval is how often the sampler inspects the
	// process table.
	defaultSampleInterval = 5 * time.Second

	// eventRetention bounds the in-memory event log. It must cover the
	// backfill window plus the reconstruction warm-up.
	eventRetention = 8 * 24 * time.Hour
)

// ProcessSampler approximates the host's foreground-app feed from the
// process table when no OS usage API is available. The most recently
// started user process is treated as the foreground app; its start and
// exit become foreground/background transitions. On hosts with a real
// usage API this whole type is swapped out behind domain.EventSource.
type ProcessSampler struct {
	resolver       domain.AppResolver
	logger         *zap.Logger
	sampleInterval time.Duration

	mu         sync.Mutex
	events     []domain.UsageEvent
	foreground string
	subscriber chan domain.ForegroundChange
}

// NewProcessSampler creates a sampler. Call Run to start sampling.
func NewProcessSampler(resolver domain.AppResolver, logger *zap.Logger) *ProcessSampler {
	return &ProcessSampler{
		resolver:       resolver,
		logger:         logger,
		sampleInterval: defaultSampleInterval,
	}
}

// Run samples the process table until ctx is canceled.
func (s *ProcessSampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.recordInterrupt(time.Now())
			return ctx.Err()
		case now := <-ticker.C:
			s.sample(now)
		}
	}
}

// HasPermission reports whether the process table is readable.
func (s *ProcessSampler) HasPermission() bool {
	_, err := process.Processes()
	return err == nil
}

// Query returns recorded events in [start, end), oldest first.
func (s *ProcessSampler) Query(ctx context.Context, start, end time.Time) ([]domain.UsageEvent, error) {
	if !s.HasPermission() {
		return nil, domain.ErrPermissionDenied
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.UsageEvent
	for _, ev := range s.events {
		if !ev.Timestamp.Before(start) && ev.Timestamp.Before(end) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Watch returns the foreground-change channel. One subscriber only;
// the daemon is the single dispatcher.
func (s *ProcessSampler) Watch(ctx context.Context) (<-chan domain.ForegroundChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscriber == nil {
		s.subscriber = make(chan domain.ForegroundChange, 16)
	}
	return s.subscriber, nil
}

// sample inspects the process table once and records transitions.
func (s *ProcessSampler) sample(now time.Time) {
	procs, err := process.Processes()
	if err != nil {
		s.logger.Warn("process table read failed", zap.Error(err))
		return
	}

	type candidate struct {
		name    string
		started int64
	}
	var newest *candidate
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue // process may have exited
		}
		if !s.resolver.IsUserApp(name) {
			continue
		}
		created, err := p.CreateTime()
		if err != nil {
			continue
		}
		if newest == nil || created > newest.started {
			newest = &candidate{name: name, started: created}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := ""
	if newest != nil {
		current = newest.name
	}
	if current == s.foreground {
		s.prune(now)
		return
	}

	if s.foreground != "" {
		s.events = append(s.events, domain.UsageEvent{
			Timestamp:  now,
			Package:    s.foreground,
			Transition: domain.TransitionBackground,
		})
	}
	if current != "" {
		s.events = append(s.events, domain.UsageEvent{
			Timestamp:  now,
			Package:    current,
			Transition: domain.TransitionForeground,
		})
		if s.subscriber != nil {
			select {
			case s.subscriber <- domain.ForegroundChange{Package: current, At: now}:
			default:
				// Dropped notifications are re-derived on the next change.
			}
		}
	}
	s.foreground = current
	s.prune(now)
}

// recordInterrupt closes any open session, mirroring screen-off.
func (s *ProcessSampler) recordInterrupt(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.foreground == "" {
		return
	}
	s.events = append(s.events, domain.UsageEvent{
		Timestamp:  now,
		Package:    s.foreground,
		Transition: domain.TransitionInterrupt,
	})
	s.foreground = ""
}

// prune drops events older than the retention horizon. Callers hold mu.
func (s *ProcessSampler) prune(now time.Time) {
	horizon := now.Add(-eventRetention)
	idx := sort.Search(len(s.events), func(i int) bool {
		return !s.events[i].Timestamp.Before(horizon)
	})
	if idx > 0 {
		s.events = append(s.events[:0:0], s.events[idx:]...)
	}
}

var (
	_ domain.EventSource       = (*ProcessSampler)(nil)
	_ domain.ForegroundWatcher = (*ProcessSampler)(nil)
)
