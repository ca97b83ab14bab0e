package pipeline

import "errors"

var (
	ErrBusy           = errors.New("all project slots are busy")
	ErrEmptyRequest   = errors.New("request text is required")
	ErrAlreadyRunning = errors.New("project pipeline is already running")
	ErrStepVanished   = errors.New("step disappeared before execution")
	ErrInterrupted    = errors.New("step interrupted before completion")
)
