// Package bus carries run events from the supervisor to observers.
//
// Every event is published on a channel named after the run id. Publishers
// never block on slow observers: Hub queues events per subscriber without
// bound, NATS forwards them to a broker.
package bus

import (
	"context"
	"time"
)

const (
	EventLog      = "log"
	EventStage    = "stage"
	EventPaused   = "paused"
	EventResumed  = "resumed"
	EventComplete = "complete"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// DriverFile is the virtual file name of log events carrying driver stdout.
const DriverFile = "driver"

// Publisher is implemented by everything which accepts run events.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any, channel string) error
}

type Event struct {
	Name    string `json:"event"`
	Channel string `json:"channel"`
	Payload any    `json:"payload"`
}

type LogPayload struct {
	RunID     string    `json:"run_id"`
	File      string    `json:"file"`
	Timestamp time.Time `json:"timestamp"`
	Line      string    `json:"line"`
}

// StagePayload is carried by stage, paused and resumed events.
type StagePayload struct {
	RunID string `json:"run_id"`
	Stage string `json:"stage"`
}

type CompletePayload struct {
	RunID      string `json:"run_id"`
	Outcome    string `json:"outcome"`
	ReturnCode int    `json:"return_code"`
}

// Outcome maps a process return code to OutcomeSuccess or OutcomeFailure.
func Outcome(returnCode int) string {
	if returnCode == 0 {
		return OutcomeSuccess
	}
	return OutcomeFailure
}
