package logmux

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/CZERTAINLY/pipewatch/internal/bus"
	"github.com/CZERTAINLY/pipewatch/internal/metrics"
	"github.com/nxadm/tail"
)

// Tailer follows one log file the way `tail -F` does: it survives the file
// being missing, truncated or replaced. A Tailer runs once, it cannot be
// restarted after Stop.
type Tailer struct {
	runID   string
	path    string
	name    string
	pub     bus.Publisher
	metrics *metrics.Metrics

	t     *tail.Tail
	start int64 // offset the follower began at
	// stopping is set before the follower is killed, later lines are
	// left to drain
	stopping atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

// NewTailer opens path for following. With fromStart unset, only lines
// appended after the call are reported. Lines are reported once they are
// terminated by a newline, or when the tailer stops.
func NewTailer(runID, path string, fromStart bool, pub bus.Publisher, m *metrics.Metrics) (*Tailer, error) {
	var start int64
	if !fromStart {
		if info, err := os.Stat(path); err == nil {
			start = info.Size()
		}
	}
	t, err := tail.TailFile(path, tail.Config{
		Location:      &tail.SeekInfo{Offset: start, Whence: io.SeekStart},
		Follow:        true,
		ReOpen:        true,
		Poll:          true,
		MustExist:     false,
		CompleteLines: true,
		Logger:        tail.DiscardingLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("following %s: %w", path, err)
	}
	return &Tailer{
		runID:   runID,
		path:    path,
		name:    filepath.Base(path),
		pub:     pub,
		metrics: m,
		t:       t,
		start:   start,
		done:    make(chan struct{}),
	}, nil
}

// Name is the file name reported in log events.
func (t *Tailer) Name() string {
	return t.name
}

// Run publishes every line until the tailer is stopped. It must be called
// exactly once.
func (t *Tailer) Run(ctx context.Context) {
	defer close(t.done)
	t.metrics.TailerStarted()
	defer t.metrics.TailerStopped()

	// offset follows the end of the last published line
	offset := t.start
	for line := range t.t.Lines {
		if line.Err != nil {
			slog.DebugContext(ctx, "tail", "path", t.path, "error", line.Err)
			continue
		}
		// a dying follower may drop lines before the ones it still sends
		if t.stopping.Load() {
			continue
		}
		t.publish(ctx, line)
		offset = line.SeekInfo.Offset
	}
	t.drain(ctx, offset)
}

// drain publishes what the follower left unread after offset: lines
// appended since its last poll and an unterminated last line.
func (t *Tailer) drain(ctx context.Context, offset int64) {
	info, err := os.Stat(t.path)
	if err != nil {
		return
	}
	if info.Size() < offset {
		// truncated or replaced after the last line
		offset = 0
	}
	if info.Size() == offset {
		return
	}
	rest, err := tail.TailFile(t.path, tail.Config{
		Location:      &tail.SeekInfo{Offset: offset, Whence: io.SeekStart},
		Poll:          true,
		MustExist:     true,
		CompleteLines: true,
		Logger:        tail.DiscardingLogger,
	})
	if err != nil {
		slog.WarnContext(ctx, "draining log file", "path", t.path, "error", err)
		return
	}
	for line := range rest.Lines {
		if line.Err != nil {
			slog.DebugContext(ctx, "tail", "path", t.path, "error", line.Err)
			continue
		}
		t.publish(ctx, line)
	}
}

func (t *Tailer) publish(ctx context.Context, line *tail.Line) {
	payload := bus.LogPayload{
		RunID:     t.runID,
		File:      t.name,
		Timestamp: line.Time.UTC(),
		Line:      cleanLine(line.Text),
	}
	if err := t.pub.Publish(ctx, bus.EventLog, payload, t.runID); err != nil {
		slog.WarnContext(ctx, "publish log line", "file", t.name, "error", err)
	}
	t.metrics.Line("file")
}

// Stop stops following, publishes the rest of the file up to its current
// end and blocks until Run has returned. Stop is idempotent and requires Run
// to be running.
func (t *Tailer) Stop() {
	t.stopOnce.Do(func() {
		t.stopping.Store(true)
		// polling followers hold no inotify watch, so there is nothing to Cleanup
		_ = t.t.StopAtEOF()
	})
	<-t.done
}

// cleanLine drops the line terminator and replaces invalid UTF-8.
func cleanLine(s string) string {
	s = strings.TrimRight(s, "\r\n")
	return strings.ToValidUTF8(s, "�")
}
