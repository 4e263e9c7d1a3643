package domain

// JobStatus enumerates the lifecycle states of an external generation job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusReady      JobStatus = "ready"
	JobStatusError      JobStatus = "error"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition can happen.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusReady, JobStatusError, JobStatusFailed:
		return true
	default:
		return false
	}
}

// JobHandle identifies a submitted job for subsequent polling reads.
type JobHandle struct {
	JobID   string
	PollRef string
}

// JobResult is the payload of a job that reached JobStatusReady.
type JobResult struct {
	URL    string
	Data   []byte
	Format string
	Width  int
	Height int
}

// ExternalJob is a snapshot read from the generation service.
type ExternalJob struct {
	ID           string
	Status       JobStatus
	Progress     int
	Result       *JobResult
	ErrorMessage string
}

// JobRequest carries everything the generation service needs for one unit.
type JobRequest struct {
	Prompt     string
	Style      string
	References []string
	RequestID  string
}
