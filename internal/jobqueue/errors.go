package jobqueue

import "errors"

var (
	// ErrDecodeJobFailed is raised when a claimed payload cannot be
	// decoded to determine its handler.
	ErrDecodeJobFailed = errors.New("jobqueue: failed to decode job payload")

	// ErrFailedToAdd is raised when push cannot insert both the Job Store
	// and Queue Index rows.
	ErrFailedToAdd = errors.New("jobqueue: failed to add job")

	// ErrNoHandler is raised by the worker pool when a claimed job's type
	// has no registered handler.
	ErrNoHandler = errors.New("jobqueue: no handler registered for job type")
)
