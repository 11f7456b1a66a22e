package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/CZERTAINLY/pipewatch/internal/bus"
	"github.com/CZERTAINLY/pipewatch/internal/metrics"
)

const notifyTimeout = time.Minute

// CheckpointPolicy decides whether the driver is suspended when it enters a
// stage.
type CheckpointPolicy interface {
	ShouldPause(stage string) bool
}

// Checkpointed pauses on every stage except the pass through ones.
type Checkpointed struct {
	PassThrough []string
}

func (c Checkpointed) ShouldPause(stage string) bool {
	return !slices.Contains(c.PassThrough, stage)
}

// FireAndForget never pauses.
type FireAndForget struct{}

func (FireAndForget) ShouldPause(string) bool { return false }

var stageMarker = regexp.MustCompile(`^={3,}\s+(.*?)\s*=*\s*$`)

// ParseStage recognizes stage markers like "=== DATAPREP1 START ===" and
// returns the first word of the marker.
func ParseStage(line string) (string, bool) {
	m := stageMarker.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	fields := strings.Fields(m[1])
	if len(fields) == 0 {
		return "", false
	}
	return fields[0], true
}

// Monitor reads driver output of one run. It publishes every line, follows
// stage markers and suspends the process group at checkpoints. The suspend
// happens before the next line is read.
type Monitor struct {
	rec     *Record
	pub     bus.Publisher
	metrics *metrics.Metrics
	// async runs alert deliveries, the Supervisor waits for them on Close
	async func(func())
}

// Run consumes r until EOF or until r is closed.
func (m *Monitor) Run(ctx context.Context, r io.Reader) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			m.line(ctx, line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading driver output: %w", err)
		}
	}
}

func (m *Monitor) line(ctx context.Context, raw string) {
	text := strings.ToValidUTF8(strings.TrimRight(raw, "\r\n"), "�")
	if stage, ok := ParseStage(text); ok {
		m.stage(ctx, stage)
	}

	payload := bus.LogPayload{
		RunID:     m.rec.id,
		File:      bus.DriverFile,
		Timestamp: time.Now().UTC(),
		Line:      text,
	}
	if err := m.pub.Publish(ctx, bus.EventLog, payload, m.rec.id); err != nil {
		slog.WarnContext(ctx, "publish driver line", "error", err)
	}
	m.metrics.Line(bus.DriverFile)
}

func (m *Monitor) stage(ctx context.Context, stage string) {
	rec := m.rec
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.stage = stage
	m.publish(ctx, bus.EventStage, stage)
	slog.InfoContext(ctx, "stage", "stage", stage)

	if !rec.pipeline.policy.ShouldPause(stage) || rec.returnCode != nil {
		return
	}
	if rec.cancelling {
		slog.DebugContext(ctx, "run is being cancelled: not pausing", "stage", stage)
		return
	}
	select {
	case <-rec.runner.Done():
		slog.DebugContext(ctx, "driver already exited: not pausing", "stage", stage)
		return
	default:
	}
	if err := rec.runner.Signal(SignalSuspend); err != nil {
		slog.ErrorContext(ctx, "can't suspend driver", "stage", stage, "error", err)
		if rec.err == "" {
			rec.err = err.Error()
		}
		return
	}
	rec.paused = true
	rec.pendingStage = stage
	m.publish(ctx, bus.EventPaused, stage)
	m.metrics.Paused(rec.pipeline.name)
	slog.InfoContext(ctx, "paused: awaiting approval", "stage", stage)

	n := rec.notifier
	subject := fmt.Sprintf("%s pipeline awaiting approval - %s", strings.ToUpper(rec.pipeline.name), stage)
	body := fmt.Sprintf("Run %s is paused before stage %s and awaits approval to continue.", rec.id, stage)
	nctx := context.WithoutCancel(ctx)
	m.async(func() {
		nctx, cancel := context.WithTimeout(nctx, notifyTimeout)
		defer cancel()
		n.Notify(nctx, subject, body)
	})
}

// publish sends stage, paused and resumed events. Callers hold rec.mu.
func (m *Monitor) publish(ctx context.Context, event, stage string) {
	payload := bus.StagePayload{RunID: m.rec.id, Stage: stage}
	if err := m.pub.Publish(ctx, event, payload, m.rec.id); err != nil {
		slog.WarnContext(ctx, "publish", "event", event, "error", err)
	}
}
