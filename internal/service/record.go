package service

import (
	"slices"
	"sync"
	"time"

	"github.com/CZERTAINLY/pipewatch/internal/notify"
)

// Record is the state of one pipeline run. All fields are guarded by mu.
type Record struct {
	mu sync.Mutex

	id        string
	pipeline  *pipeline
	command   []string
	runner    *Runner
	startTime time.Time
	endTime   time.Time
	// returnCode is set exactly once, when the run turns terminal
	returnCode   *int
	stage        string
	paused       bool
	pendingStage string
	logDir       string
	err          string
	recipients   []string
	notifier     notify.Notifier
	// cancelling is set by Cancel, checkpoints are skipped from then on
	cancelling bool
	// finished is closed after the complete event was published
	finished chan struct{}
}

// Summary is a point in time copy of a Record.
type Summary struct {
	ID           string     `json:"id"`
	Pipeline     string     `json:"pipeline"`
	Command      []string   `json:"command"`
	Pid          int        `json:"pid,omitempty"`
	Stage        string     `json:"stage"`
	Paused       bool       `json:"paused"`
	PendingStage string     `json:"pending_stage,omitempty"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	ReturnCode   *int       `json:"return_code"`
	LogDir       string     `json:"log_dir"`
	Recipients   []string   `json:"recipients,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Terminal reports whether the run has finished.
func (s Summary) Terminal() bool {
	return s.ReturnCode != nil
}

func (r *Record) ID() string {
	return r.id
}

func (r *Record) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summary{
		ID:           r.id,
		Pipeline:     r.pipeline.name,
		Command:      slices.Clone(r.command),
		Pid:          r.runner.Pid(),
		Stage:        r.stage,
		Paused:       r.paused,
		PendingStage: r.pendingStage,
		StartTime:    r.startTime,
		LogDir:       r.logDir,
		Recipients:   slices.Clone(r.recipients),
		Error:        r.err,
	}
	if !r.endTime.IsZero() {
		end := r.endTime
		s.EndTime = &end
	}
	if r.returnCode != nil {
		rc := *r.returnCode
		s.ReturnCode = &rc
	}
	return s
}

func (r *Record) terminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.returnCode != nil
}

// setError records a diagnostic, the first one wins.
func (r *Record) setError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == "" && err != nil {
		r.err = err.Error()
	}
}
