// Package logmux discovers the log files of a run and relays their lines as
// log events on the run's channel.
package logmux

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/CZERTAINLY/pipewatch/internal/bus"
	"github.com/CZERTAINLY/pipewatch/internal/metrics"
	"github.com/CZERTAINLY/pipewatch/internal/walk"
)

const DefaultInterval = time.Second

type Config struct {
	RunID string
	// Private is the run's own log directory. Its files are always
	// followed from their first line.
	Private string
	// Shared directories are used by drivers which ignore LOGS_DIR. Files
	// already present at the first scan are followed from their end.
	Shared   []string
	Pattern  string
	Interval time.Duration
}

// Mux owns the tailers of one run. Every file name gets at most one tailer
// for the lifetime of the Mux, even if it shows up in several directories.
type Mux struct {
	cfg     Config
	pub     bus.Publisher
	metrics *metrics.Metrics

	mu      sync.Mutex
	seen    map[string]struct{}
	tailers []*Tailer
	wg      sync.WaitGroup
}

func New(cfg Config, pub bus.Publisher, m *metrics.Metrics) *Mux {
	if cfg.Pattern == "" {
		cfg.Pattern = "*.log"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Mux{
		cfg:     cfg,
		pub:     pub,
		metrics: m,
		seen:    make(map[string]struct{}),
	}
}

// Run polls the directories until ctx is done. It then scans one last time,
// lets every tailer read its file up to the end and waits for them.
func (m *Mux) Run(ctx context.Context) error {
	m.scan(ctx, true)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			ctx = context.WithoutCancel(ctx)
			m.scan(ctx, false)
			m.stop()
			return nil
		case <-ticker.C:
			m.scan(ctx, false)
		}
	}
}

// Files returns the names of followed files in discovery order.
func (m *Mux) Files() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ret := make([]string, len(m.tailers))
	for i, t := range m.tailers {
		ret[i] = t.Name()
	}
	return ret
}

func (m *Mux) scan(ctx context.Context, first bool) {
	m.scanDir(ctx, m.cfg.Private, true)
	for _, dir := range m.cfg.Shared {
		m.scanDir(ctx, dir, !first)
	}
}

func (m *Mux) scanDir(ctx context.Context, dir string, fromStart bool) {
	if dir == "" {
		return
	}
	for entry, err := range walk.Glob(ctx, m.cfg.Pattern, dir) {
		if err != nil {
			slog.WarnContext(ctx, "scanning log directory", "dir", entry.Dir, "error", err)
			continue
		}
		m.follow(ctx, entry, fromStart)
	}
}

func (m *Mux) follow(ctx context.Context, entry walk.Entry, fromStart bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[entry.Name]; ok {
		return
	}
	t, err := NewTailer(m.cfg.RunID, entry.Path(), fromStart, m.pub, m.metrics)
	if err != nil {
		slog.WarnContext(ctx, "can't follow log file", "path", entry.Path(), "error", err)
		return
	}
	m.seen[entry.Name] = struct{}{}
	m.tailers = append(m.tailers, t)
	slog.DebugContext(ctx, "following log file", "path", entry.Path(), "from_start", fromStart)

	// tailers drain after the run context is cancelled
	tctx := context.WithoutCancel(ctx)
	m.wg.Go(func() { t.Run(tctx) })
}

func (m *Mux) stop() {
	m.mu.Lock()
	tailers := m.tailers
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range tailers {
		wg.Go(t.Stop)
	}
	wg.Wait()
	m.wg.Wait()
}
