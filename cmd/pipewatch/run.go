package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CZERTAINLY/pipewatch/internal/bus"
	"github.com/CZERTAINLY/pipewatch/internal/log"
	"github.com/CZERTAINLY/pipewatch/internal/service"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var flagNoColor bool // value of run --no-color flag

func doRun(cmd *cobra.Command, args []string) error {
	base := log.ContextAttrs(cmd.Context(), slog.Group("pipewatch",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	))
	ctx, stop := signal.NotifyContext(base, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if flagNoColor {
		color.NoColor = true
	}

	hub := bus.NewHub()
	pub, closePub, err := publisher(ctx, hub, config.Events)
	if err != nil {
		return err
	}
	defer closePub()

	supervisor, err := newSupervisor(pub, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := supervisor.Close(base); err != nil {
			slog.ErrorContext(base, "closing supervisor", "error", err)
		}
	}()

	sub := hub.Subscribe(bus.AllChannels)
	defer sub.Close()

	pipeline := args[0]
	id, err := supervisor.Start(base, pipeline, args[1:])
	if err != nil {
		return err
	}

	p := newPrinter(cmd.OutOrStdout())
	p.started(id, pipeline)
	go resumeOnEnter(base, cmd.InOrStdin(), supervisor, id)

	cancelled := false
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if cancelled || ctx.Err() == nil {
				return err
			}
			// a second interrupt kills pipewatch itself
			stop()
			cancelled = true
			ctx = base
			p.cancelling(id)
			// events keep queueing in sub while the group is stopped
			if err := supervisor.Cancel(base, id); err != nil {
				return fmt.Errorf("cancelling run %s: %w", id, err)
			}
			continue
		}
		if ev.Channel != id {
			continue
		}
		p.event(ev)
		if ev.Name != bus.EventComplete {
			continue
		}

		sum, err := supervisor.Status(id)
		if err != nil {
			return err
		}
		if !cancelled {
			p.logs(base, supervisor, id)
		}
		p.finished(sum, cancelled)
		if rc := *sum.ReturnCode; rc != 0 {
			return fmt.Errorf("run %s finished with return code %d", id, rc)
		}
		return nil
	}
}

// resumeOnEnter resumes the run every time a line is read from r.
func resumeOnEnter(ctx context.Context, r io.Reader, supervisor *service.Supervisor, id string) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if err := supervisor.Resume(ctx, id); err != nil {
			slog.WarnContext(ctx, "resume", "run_id", id, "error", err)
			return
		}
	}
}

type printer struct {
	w io.Writer

	title  func(a ...any) string
	faint  func(a ...any) string
	stage  func(a ...any) string
	paused func(a ...any) string
	green  func(a ...any) string
	red    func(a ...any) string
}

func newPrinter(w io.Writer) printer {
	return printer{
		w:      w,
		title:  color.New(color.FgGreen, color.Bold).SprintFunc(),
		faint:  color.New(color.Faint).SprintFunc(),
		stage:  color.New(color.FgCyan).SprintFunc(),
		paused: color.New(color.FgYellow, color.Bold).SprintFunc(),
		green:  color.New(color.FgGreen).SprintFunc(),
		red:    color.New(color.FgRed).SprintFunc(),
	}
}

func (p printer) started(id, pipeline string) {
	fmt.Fprintf(p.w, "%s %s\n", p.title(pipeline), p.faint(id))
}

func (p printer) cancelling(id string) {
	fmt.Fprintf(p.w, "%s\n", p.red("cancelling "+id))
}

func (p printer) event(ev bus.Event) {
	switch payload := ev.Payload.(type) {
	case bus.LogPayload:
		fmt.Fprintf(p.w, "%s %s %s\n",
			p.faint(payload.Timestamp.Local().Format(time.TimeOnly)),
			p.faint(payload.File),
			payload.Line)
	case bus.StagePayload:
		switch ev.Name {
		case bus.EventPaused:
			fmt.Fprintf(p.w, "%s before %s, press Enter to resume\n", p.paused("paused"), payload.Stage)
		case bus.EventResumed:
			fmt.Fprintf(p.w, "%s %s\n", p.green("resumed"), payload.Stage)
		default:
			fmt.Fprintf(p.w, "%s %s\n", p.stage("stage"), payload.Stage)
		}
	case bus.CompletePayload:
		outcome := p.green(payload.Outcome)
		if payload.Outcome != bus.OutcomeSuccess {
			outcome = p.red(payload.Outcome)
		}
		fmt.Fprintf(p.w, "%s return code %d\n", outcome, payload.ReturnCode)
	}
}

func (p printer) logs(ctx context.Context, supervisor *service.Supervisor, id string) {
	files, err := supervisor.ListLogFiles(ctx, id)
	if err != nil {
		return
	}
	for _, name := range files {
		f, err := supervisor.OpenLogFile(id, name)
		if err != nil {
			continue
		}
		info, err := f.Stat()
		_ = f.Close()
		if err != nil {
			continue
		}
		fmt.Fprintf(p.w, "  %s %s\n", name, p.faint(humanize.Bytes(uint64(info.Size()))))
	}
}

func (p printer) finished(sum service.Summary, cancelled bool) {
	end := time.Now()
	if sum.EndTime != nil {
		end = *sum.EndTime
	}
	took := end.Sub(sum.StartTime).Round(time.Millisecond)
	if cancelled {
		fmt.Fprintf(p.w, "%s after %s\n", p.faint("cancelled"), took)
		return
	}
	fmt.Fprintf(p.w, "%s in %s, logs in %s\n", p.faint("finished"), took, sum.LogDir)
}
