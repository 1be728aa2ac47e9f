package job

import "github.com/google/uuid"

// NewJobID returns a globally unique job identifier.
func NewJobID() string {
	return uuid.New().String()
}

// NewGroupID returns a group identifier with a human-readable prefix.
func NewGroupID() string {
	return "group-" + uuid.New().String()[:8]
}

// NewWorkerID returns a worker identifier with a human-readable prefix.
func NewWorkerID() string {
	return "worker-" + uuid.New().String()[:8]
}
