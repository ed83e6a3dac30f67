package core

import "time"

// Event is the interface for all broker and lifecycle events.
type Event interface {
	eventMarker()
}

// JobStarted is emitted when a worker starts a job.
type JobStarted struct {
	Job       *Job
	Timestamp time.Time
}

func (*JobStarted) eventMarker() {}

// JobCompleted is emitted when a job completes successfully.
type JobCompleted struct {
	Job       *Job
	Duration  time.Duration
	Timestamp time.Time
}

func (*JobCompleted) eventMarker() {}

// JobFailed is emitted when a job fails permanently.
type JobFailed struct {
	Job       *Job
	Error     error
	Timestamp time.Time
}

func (*JobFailed) eventMarker() {}

// JobRetrying is emitted when the broker schedules another delivery.
type JobRetrying struct {
	Job       *Job
	Attempt   int
	Error     error
	NextRunAt time.Time
	Timestamp time.Time
}

func (*JobRetrying) eventMarker() {}

// JobRevoked is emitted when a job is revoked before or during execution.
type JobRevoked struct {
	JobID     string
	Running   bool
	Timestamp time.Time
}

func (*JobRevoked) eventMarker() {}

// TaskTransitioned is emitted when a task changes status.
type TaskTransitioned struct {
	Task      *Task
	From      TaskStatus
	Timestamp time.Time
}

func (*TaskTransitioned) eventMarker() {}
