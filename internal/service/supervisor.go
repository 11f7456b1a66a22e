package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/pipewatch/internal/bus"
	"github.com/CZERTAINLY/pipewatch/internal/log"
	"github.com/CZERTAINLY/pipewatch/internal/logmux"
	"github.com/CZERTAINLY/pipewatch/internal/metrics"
	"github.com/CZERTAINLY/pipewatch/internal/model"
	"github.com/CZERTAINLY/pipewatch/internal/notify"
	"github.com/CZERTAINLY/pipewatch/internal/telemetry"
	"github.com/CZERTAINLY/pipewatch/internal/walk"
)

// Supervisor starts pipeline drivers and owns their records. Every run is
// served by its own goroutines, so a slow or paused run never blocks another
// one.
type Supervisor struct {
	cfg       Config
	pipelines map[string]*pipeline
	registry  *Registry
	ids       *idGenerator

	pub      bus.Publisher
	notifier notify.Notifier
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	// base is the parent context of run goroutines, cancelled by Close
	base     context.Context
	stopBase context.CancelFunc
	wg       sync.WaitGroup
	// closedMx is held for reading by Start, so Close waits for starts in flight
	closedMx sync.RWMutex
	closed   bool
}

// NewSupervisor validates the pipelines of cfg. Without WithPublisher events
// are dropped, without WithNotifier alerts are logged.
func NewSupervisor(cfg Config) (*Supervisor, error) {
	if cfg.LogsDir == "" {
		return nil, errors.New("logs directory is empty")
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	pipelines := make(map[string]*pipeline, len(cfg.Pipelines))
	for _, mp := range cfg.Pipelines {
		p, err := newPipeline(mp)
		if err != nil {
			return nil, err
		}
		if _, ok := pipelines[p.name]; ok {
			return nil, fmt.Errorf("pipeline %s defined twice", p.name)
		}
		pipelines[p.name] = p
	}

	base, stop := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:       cfg,
		pipelines: pipelines,
		registry:  NewRegistry(),
		ids:       newIDGenerator(nil),
		pub:       bus.Multi{},
		notifier:  notify.Log{},
		tracer:    telemetry.Tracer("github.com/CZERTAINLY/pipewatch/internal/service"),
		base:      base,
		stopBase:  stop,
	}, nil
}

// SupervisorFromConfig is NewSupervisor for a loaded configuration file.
func SupervisorFromConfig(cfg model.Config) (*Supervisor, error) {
	c, err := ConfigFromModel(cfg)
	if err != nil {
		return nil, err
	}
	return NewSupervisor(c)
}

func (s *Supervisor) WithPublisher(pub bus.Publisher) *Supervisor {
	s.pub = pub
	return s
}

// WithNotifier sets the alert sink. Runs started with recipients get a copy
// addressed to them when n implements notify.Scoper.
func (s *Supervisor) WithNotifier(n notify.Notifier) *Supervisor {
	if n == nil {
		n = notify.Nop{}
	}
	s.notifier = n
	return s
}

func (s *Supervisor) WithMetrics(m *metrics.Metrics) *Supervisor {
	s.metrics = m
	return s
}

// Pipelines returns the names of the configured pipelines.
func (s *Supervisor) Pipelines() []string {
	ret := make([]string, 0, len(s.pipelines))
	for name := range s.pipelines {
		ret = append(ret, name)
	}
	slices.Sort(ret)
	return ret
}

// Start launches a run of pipeline with args appended to its driver command
// and returns the run id without waiting for the driver.
func (s *Supervisor) Start(ctx context.Context, pipelineName string, args []string) (runID string, err error) {
	ctx, span := s.tracer.Start(ctx, "Supervisor.Start", trace.WithAttributes(attribute.String("pipeline", pipelineName)))
	defer func() { endSpan(span, err) }()

	s.closedMx.RLock()
	defer s.closedMx.RUnlock()
	if s.closed {
		return "", ErrClosed
	}

	p, ok := s.pipelines[pipelineName]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPipeline, pipelineName)
	}

	id, started := s.ids.next()
	span.SetAttributes(attribute.String("run_id", id))
	ctx = log.RunAttrs(ctx, id, p.name)

	logDir := filepath.Join(s.cfg.LogsDir, id)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: creating log directory: %w", ErrSpawn, err)
	}
	s.truncate(ctx, p)

	var recipients []string
	if p.recipientsFromArgs && len(args) > 0 {
		recipients = notify.ParseRecipients(args[0])
	}

	command := p.command(args)
	runner := NewRunner()
	err = runner.Start(ctx, Command{
		Path: command[0],
		Args: command[1:],
		Env:  s.environ(p, id, logDir, args),
		Dir:  s.cfg.AppRoot,
	})
	if err != nil {
		if rmErr := os.RemoveAll(logDir); rmErr != nil {
			slog.WarnContext(ctx, "removing log directory", "dir", logDir, "error", rmErr)
		}
		return "", fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	rec := &Record{
		id:         id,
		pipeline:   p,
		command:    command,
		runner:     runner,
		startTime:  started,
		stage:      p.initialStage,
		logDir:     logDir,
		recipients: recipients,
		notifier:   notify.For(s.notifier, recipients),
		finished:   make(chan struct{}),
	}
	if err := s.registry.Add(rec); err != nil {
		// ids are unique, this is a programming error
		_ = runner.Signal(SignalKill)
		return "", err
	}
	s.metrics.RunStarted(p.name)
	slog.InfoContext(ctx, "run started", "command", command, "pid", runner.Pid(), "log_dir", logDir)

	runCtx := log.RunAttrs(s.base, id, p.name)
	s.wg.Go(func() { s.supervise(runCtx, rec) })
	return id, nil
}

// supervise runs the stdout reader and the log mux of one run and finishes
// the record once the driver has exited.
func (s *Supervisor) supervise(ctx context.Context, rec *Record) {
	mon := &Monitor{
		rec:     rec,
		pub:     s.pub,
		metrics: s.metrics,
		async:   func(f func()) { s.wg.Go(f) },
	}
	mux := logmux.New(logmux.Config{
		RunID:    rec.id,
		Private:  rec.logDir,
		Shared:   []string{s.cfg.LogsDir},
		Pattern:  rec.pipeline.logPattern,
		Interval: s.cfg.PollInterval,
	}, s.pub, s.metrics)

	muxCtx, stopMux := context.WithCancel(ctx)
	defer stopMux()

	var g errgroup.Group
	monitorDone := make(chan struct{})
	g.Go(func() error {
		defer close(monitorDone)
		return mon.Run(ctx, rec.runner.Stdout())
	})
	g.Go(func() error {
		return mux.Run(muxCtx)
	})

	<-rec.runner.Done()
	timer := time.NewTimer(s.cfg.DrainTimeout)
	select {
	case <-monitorDone:
	case <-timer.C:
		slog.WarnContext(ctx, "driver exited but its output is still open: closing", "timeout", s.cfg.DrainTimeout)
	}
	timer.Stop()
	if err := rec.runner.CloseStdout(); err != nil {
		slog.WarnContext(ctx, "closing driver output", "error", err)
	}
	stopMux()
	if err := g.Wait(); err != nil {
		slog.ErrorContext(ctx, "run supervision", "error", err)
		rec.setError(err)
	}
	s.finish(ctx, rec)
}

// finish makes the record terminal and publishes the complete event. It is
// called exactly once per run.
func (s *Supervisor) finish(ctx context.Context, rec *Record) {
	res := rec.runner.Result()
	rc := res.ReturnCode

	rec.mu.Lock()
	rec.returnCode = &rc
	rec.endTime = res.Stopped
	wasPaused := rec.paused
	rec.paused = false
	rec.pendingStage = ""
	if res.Err != nil && rec.err == "" {
		rec.err = res.Err.Error()
	}
	rec.mu.Unlock()

	if wasPaused {
		// leftovers of the group must not stay stopped forever
		if err := rec.runner.Signal(SignalContinue); err != nil {
			slog.WarnContext(ctx, "continuing leftovers", "error", err)
		}
		s.metrics.Resumed(rec.pipeline.name)
	}

	outcome := bus.Outcome(rc)
	payload := bus.CompletePayload{RunID: rec.id, Outcome: outcome, ReturnCode: rc}
	if err := s.pub.Publish(ctx, bus.EventComplete, payload, rec.id); err != nil {
		slog.WarnContext(ctx, "publish complete", "error", err)
	}
	s.metrics.RunFinished(rec.pipeline.name, outcome)
	slog.InfoContext(ctx, "run finished", "outcome", outcome, "return_code", rc)
	close(rec.finished)
}

// Cancel terminates the process group of a run. The group gets SIGTERM and,
// when it is still alive after the pipeline grace period, SIGKILL. The
// private log directory is removed afterwards. Cancelling a finished run
// only removes the directory.
func (s *Supervisor) Cancel(ctx context.Context, runID string) (err error) {
	ctx, span := s.tracer.Start(ctx, "Supervisor.Cancel", trace.WithAttributes(attribute.String("run_id", runID)))
	defer func() { endSpan(span, err) }()

	rec, err := s.registry.Get(runID)
	if err != nil {
		return err
	}
	ctx = log.RunAttrs(ctx, rec.id, rec.pipeline.name)
	runner := rec.runner

	rec.mu.Lock()
	terminal := rec.returnCode != nil
	if !terminal {
		rec.cancelling = true
		if err := runner.Signal(SignalTerminate); err != nil {
			slog.WarnContext(ctx, "terminating driver", "error", err)
		}
		if rec.paused {
			// a stopped group never acts on SIGTERM
			if err := runner.Signal(SignalContinue); err != nil {
				slog.WarnContext(ctx, "continuing driver", "error", err)
			}
			rec.paused = false
			rec.pendingStage = ""
			s.metrics.Resumed(rec.pipeline.name)
		}
	}
	rec.mu.Unlock()

	if !terminal {
		slog.InfoContext(ctx, "cancelling run", "grace_period", rec.pipeline.gracePeriod)
		timer := time.NewTimer(rec.pipeline.gracePeriod)
		select {
		case <-runner.Done():
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
	}
	if runner.Alive() {
		slog.WarnContext(ctx, "process group still alive: killing")
		if err := runner.Signal(SignalKill); err != nil {
			slog.ErrorContext(ctx, "killing driver", "error", err)
			rec.setError(err)
		}
	}
	select {
	case <-runner.Done():
	case <-ctx.Done():
	}

	if err := os.RemoveAll(rec.logDir); err != nil {
		slog.WarnContext(ctx, "removing log directory", "dir", rec.logDir, "error", err)
	} else {
		slog.InfoContext(ctx, "log directory removed", "dir", rec.logDir)
	}
	return nil
}

// Resume continues a run paused at a checkpoint. Resuming a run which is not
// paused does nothing.
func (s *Supervisor) Resume(ctx context.Context, runID string) (err error) {
	ctx, span := s.tracer.Start(ctx, "Supervisor.Resume", trace.WithAttributes(attribute.String("run_id", runID)))
	defer func() { endSpan(span, err) }()

	rec, err := s.registry.Get(runID)
	if err != nil {
		return err
	}
	ctx = log.RunAttrs(ctx, rec.id, rec.pipeline.name)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.paused {
		slog.DebugContext(ctx, "resume: run is not paused")
		return nil
	}
	if err := rec.runner.Signal(SignalContinue); err != nil {
		return err
	}
	stage := rec.pendingStage
	rec.paused = false
	rec.pendingStage = ""
	payload := bus.StagePayload{RunID: rec.id, Stage: stage}
	if err := s.pub.Publish(ctx, bus.EventResumed, payload, rec.id); err != nil {
		slog.WarnContext(ctx, "publish resumed", "error", err)
	}
	s.metrics.Resumed(rec.pipeline.name)
	slog.InfoContext(ctx, "resumed", "stage", stage)
	return nil
}

func (s *Supervisor) Status(runID string) (Summary, error) {
	rec, err := s.registry.Get(runID)
	if err != nil {
		return Summary{}, err
	}
	return rec.Summary(), nil
}

// Runs returns summaries of every known run ordered by id.
func (s *Supervisor) Runs() []Summary {
	all := s.registry.All()
	ret := make([]Summary, len(all))
	for i, r := range all {
		ret[i] = r.Summary()
	}
	return ret
}

// ActiveRunID returns the newest run which has not finished yet. An empty
// pipeline matches every pipeline.
func (s *Supervisor) ActiveRunID(pipelineName string) (string, bool) {
	rec, ok := s.registry.Active(pipelineName)
	if !ok {
		return "", false
	}
	return rec.id, true
}

// ListLogFiles returns the sorted names of log files of a run, found in its
// private directory and in the shared directory.
func (s *Supervisor) ListLogFiles(ctx context.Context, runID string) ([]string, error) {
	rec, err := s.registry.Get(runID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for entry, err := range walk.Glob(ctx, rec.pipeline.logPattern, rec.logDir, s.cfg.LogsDir) {
		if err != nil {
			slog.WarnContext(ctx, "listing log files", "dir", entry.Dir, "error", err)
			continue
		}
		seen[entry.Name] = struct{}{}
	}
	ret := make([]string, 0, len(seen))
	for name := range seen {
		ret = append(ret, name)
	}
	slices.Sort(ret)
	return ret, nil
}

// OpenLogFile opens a log file of a run, the private directory wins over the
// shared one. Only plain file names are accepted.
func (s *Supervisor) OpenLogFile(runID, name string) (*os.File, error) {
	rec, err := s.registry.Get(runID)
	if err != nil {
		return nil, err
	}
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if ok, _ := filepath.Match(rec.pipeline.logPattern, name); !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	for _, dir := range []string{rec.logDir, s.cfg.LogsDir} {
		f, err := openIn(dir, name)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: log file %s", ErrNotFound, name)
}

func openIn(dir, name string) (*os.File, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	defer func() { _ = root.Close() }()
	f, err := root.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", name, os.ErrNotExist)
	}
	return f, nil
}

// Snapshot returns the events a subscriber joining late needs to catch up:
// the current stage, the pending checkpoint and the completion.
func (s *Supervisor) Snapshot(runID string) ([]bus.Event, error) {
	rec, err := s.registry.Get(runID)
	if err != nil {
		return nil, err
	}
	sum := rec.Summary()
	events := []bus.Event{{
		Name:    bus.EventStage,
		Channel: sum.ID,
		Payload: bus.StagePayload{RunID: sum.ID, Stage: sum.Stage},
	}}
	if sum.Paused {
		events = append(events, bus.Event{
			Name:    bus.EventPaused,
			Channel: sum.ID,
			Payload: bus.StagePayload{RunID: sum.ID, Stage: sum.PendingStage},
		})
	}
	if sum.Terminal() {
		rc := *sum.ReturnCode
		events = append(events, bus.Event{
			Name:    bus.EventComplete,
			Channel: sum.ID,
			Payload: bus.CompletePayload{RunID: sum.ID, Outcome: bus.Outcome(rc), ReturnCode: rc},
		})
	}
	return events, nil
}

// Wait blocks until the run has finished and its complete event was
// published, or ctx is done.
func (s *Supervisor) Wait(ctx context.Context, runID string) (Summary, error) {
	rec, err := s.registry.Get(runID)
	if err != nil {
		return Summary{}, err
	}
	select {
	case <-rec.finished:
		return rec.Summary(), nil
	case <-ctx.Done():
		return rec.Summary(), ctx.Err()
	}
}

// Close cancels every unfinished run and waits for all run goroutines. Start
// fails afterwards.
func (s *Supervisor) Close(ctx context.Context) error {
	s.closedMx.Lock()
	s.closed = true
	s.closedMx.Unlock()

	var wg sync.WaitGroup
	for _, rec := range s.registry.All() {
		if rec.terminal() {
			continue
		}
		wg.Go(func() {
			if err := s.Cancel(ctx, rec.id); err != nil {
				slog.ErrorContext(ctx, "cancelling run on close", "run_id", rec.id, "error", err)
			}
		})
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.stopBase()
		return nil
	case <-ctx.Done():
		s.stopBase()
		return ctx.Err()
	}
}

// truncate empties the shared log files of p, drivers append to them.
func (s *Supervisor) truncate(ctx context.Context, p *pipeline) {
	for _, name := range p.truncate {
		path := filepath.Join(s.cfg.LogsDir, name)
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			slog.WarnContext(ctx, "truncating shared log", "path", path, "error", err)
		}
	}
}

func (s *Supervisor) environ(p *pipeline, id, logDir string, args []string) []string {
	env := os.Environ()
	env = append(env,
		"LOGS_DIR="+logDir,
		"RUN_PGID_FILE="+filepath.Join(logDir, "run_pgid"),
		"RUN_ID="+id,
	)
	if p.recipientsFromArgs && len(args) > 0 {
		env = append(env, "ALERT_EMAILS="+args[0])
	}
	return append(env, p.env...)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
