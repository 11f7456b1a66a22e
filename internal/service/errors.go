package service

import "errors"

var (
	ErrNotFound        = errors.New("run not found")
	ErrUnknownPipeline = errors.New("unknown pipeline")
	ErrSpawn           = errors.New("spawning driver")
	ErrSignal          = errors.New("signalling process group")
	ErrInvalidName     = errors.New("invalid log file name")
	ErrClosed          = errors.New("supervisor is closed")

	ErrNotStarted     = errors.New("process not started")
	ErrAlreadyStarted = errors.New("process already started")
)
