package engine

// Event is one entry in a job's strictly ordered lifecycle stream. The
// stream is the only authoritative source of job progress; consumers must
// not infer state from anything else.
type Event interface {
	Kind() string
}

// Failure is one terminally failed recipient, carried in the final summary.
type Failure struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Error string `json:"error"`
}

type JobStarted struct {
	JobID string `json:"job_id"`
	Total int    `json:"total"`
}

func (JobStarted) Kind() string { return "job_started" }

type RecipientStarted struct {
	JobID string `json:"job_id"`
	Index int    `json:"index"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

func (RecipientStarted) Kind() string { return "recipient_started" }

type RecipientSkipped struct {
	JobID  string `json:"job_id"`
	Index  int    `json:"index"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

func (RecipientSkipped) Kind() string { return "recipient_skipped" }

type RecipientSent struct {
	JobID string `json:"job_id"`
	Index int    `json:"index"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

func (RecipientSent) Kind() string { return "recipient_sent" }

type RecipientFailed struct {
	JobID string `json:"job_id"`
	Index int    `json:"index"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Error string `json:"error"`
}

func (RecipientFailed) Kind() string { return "recipient_failed" }

type InterSendWait struct {
	JobID        string `json:"job_id"`
	Index        int    `json:"index"`
	NextIndex    int    `json:"next_index"`
	DelaySec     int    `json:"delay_sec"`
	RemainingSec int    `json:"remaining_sec"`
}

func (InterSendWait) Kind() string { return "inter_send_wait" }

type JobCancelled struct {
	JobID   string `json:"job_id"`
	Success int    `json:"success"`
	Failed  int    `json:"failed"`
	Skipped int    `json:"skipped"`
	Total   int    `json:"total"`
}

func (JobCancelled) Kind() string { return "job_cancelled" }

type JobFinished struct {
	JobID    string    `json:"job_id"`
	Success  int       `json:"success"`
	Failed   int       `json:"failed"`
	Skipped  int       `json:"skipped"`
	Total    int       `json:"total"`
	Failures []Failure `json:"failures"`
}

func (JobFinished) Kind() string { return "job_finished" }
