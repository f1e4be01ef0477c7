package jobqueue

import (
	"time"

	"github.com/google/uuid"
)

// Status is a Job Store row's lifecycle state.
type Status int16

const (
	StatusPending    Status = 0
	StatusProcessing Status = 1
	StatusFailed     Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Job is one Job Store row.
type Job struct {
	ID           uuid.UUID
	Payload      []byte
	Status       Status
	LastModified time.Time
}

// Claimed is what claim-next hands to a caller: the job's identity and
// opaque payload.
type Claimed struct {
	ID      uuid.UUID
	Payload []byte
}

// InitPolicy is a startup recovery policy for one job status.
type InitPolicy string

const (
	PolicyDoNothing InitPolicy = "doNothing"
	PolicyRerun     InitPolicy = "rerun"
	PolicyRemove    InitPolicy = "remove"
)

// InitPolicies configures onInit recovery per status.
type InitPolicies struct {
	Pending    InitPolicy
	Failed     InitPolicy
	Processing InitPolicy
}
