package service

import "time"

// NewIDs exposes the run id generator with a fake clock.
func NewIDs(now func() time.Time) func() (string, time.Time) {
	return newIDGenerator(now).next
}

// NewRecord builds a record of a run which was never started.
func NewRecord(id, pipelineName string, start time.Time, returnCode *int) *Record {
	return &Record{
		id:         id,
		pipeline:   &pipeline{name: pipelineName},
		runner:     NewRunner(),
		startTime:  start,
		returnCode: returnCode,
		finished:   make(chan struct{}),
	}
}
