package service

// Package service implements supervision of pipeline driver processes.
//
// Overview
// The Supervisor owns a Registry of Records, one per run. Start allocates a
// Record, launches the driver through a Runner and returns the run id at once.
// Each run is then served by its own goroutines until the driver exits.
//
// Runner is a thin, opinionated wrapper around os/exec:
//   - starts the driver as the leader of a new session and process group
//   - merges stdout and stderr into one pipe
//   - delivers suspend, continue, terminate and kill to the whole group
//   - reports the exit through Done and Result
//
// Data flow:
//
//   Supervisor             Record{id}              Runner{pgid}
//       |                      |                       |
//   Start -> Add ------------->|                       |
//       | supervise() -------->| Monitor.Run <--------| stdout pipe
//       |                      | logmux.Mux.Run        |
//       |                      |<------ Done ----------| (process exits)
//       |<---- complete -------|                       |
//
//   Resume/Cancel ------------>|------- Signal ------->| kill(-pgid, sig)
//
// Events are published on a bus.Publisher, the channel is the run id.
//
// Invariants:
//   - Run ids are never reused and sort in start order.
//   - A Record turns terminal exactly once, then its return code is set
//     and the complete event is published once.
//   - paused implies pending_stage is set and the group was suspended.
//   - stage, paused and resumed events of one run are published while
//     holding the Record lock, so observers see them in order.
//   - Pausing is cooperative: a driver which forks into other process
//     groups can not be stopped reliably.
//
// internal/service/supervisor_test.go is the best source about how to use
// the Supervisor.
