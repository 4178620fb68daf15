// Copyright 2025 James Ross
package job

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// State names a logical container a job id can inhabit. A job is in exactly
// one state at a time; the transition scripts enforce that.
type State string

const (
	StateWaiting         State = "waiting"
	StateWaitingChildren State = "waiting-children"
	StateDelayed         State = "delayed"
	StateActive          State = "active"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StatePaused          State = "paused"
	StateUnknown         State = "unknown"
)

// ParentRef points at the job whose dependencies set tracks this job.
// Queue is the parent queue root ("<prefix>:<name>:"); parents in another
// queue must be co-located on the same slot.
type ParentRef struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
}

// Backoff controls the delay applied before a failed attempt is retried.
type Backoff struct {
	Type  string `json:"type"` // "fixed" or "exponential"
	Delay int64  `json:"delay"`
}

// Delay for the given attempt (1-based).
func (b *Backoff) DelayFor(attempt int) time.Duration {
	if b == nil || b.Delay <= 0 {
		return 0
	}
	if b.Type == "exponential" && attempt > 1 {
		d := b.Delay
		for i := 1; i < attempt; i++ {
			d *= 2
			if d < 0 { // overflow
				return time.Duration(b.Delay) * time.Millisecond << 20
			}
		}
		return time.Duration(d) * time.Millisecond
	}
	return time.Duration(b.Delay) * time.Millisecond
}

// KeepPolicy is the remove-on-complete/fail policy. It unmarshals from either
// a JSON bool (true = delete the job hash on finish) or a number (keep only
// the N most recent entries in the target set).
type KeepPolicy struct {
	Remove bool
	Count  int
}

func (p *KeepPolicy) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case bool:
		p.Remove = t
		p.Count = 0
	case float64:
		p.Remove = false
		p.Count = int(t)
	default:
		return fmt.Errorf("keep policy must be bool or number, got %T", v)
	}
	return nil
}

func (p KeepPolicy) MarshalJSON() ([]byte, error) {
	if p.Count > 0 {
		return json.Marshal(p.Count)
	}
	return json.Marshal(p.Remove)
}

// ScriptArg encodes the policy for the finish script: "" keeps everything,
// "true" deletes the hash, a number trims the target set to that window.
func (p *KeepPolicy) ScriptArg() string {
	if p == nil {
		return ""
	}
	if p.Remove {
		return "true"
	}
	if p.Count > 0 {
		return strconv.Itoa(p.Count)
	}
	return ""
}

// RepeatOpts is the template for a repeatable job; the scheduler expands it
// into concrete jobs, one per cron fire.
type RepeatOpts struct {
	Cron  string `json:"cron"`
	Limit int    `json:"limit,omitempty"`
}

// Options carries the per-job knobs accepted by Add.
type Options struct {
	JobID            string      `json:"jobId,omitempty"`
	Priority         int         `json:"priority,omitempty"`
	Delay            int64       `json:"delay,omitempty"`
	LIFO             bool        `json:"lifo,omitempty"`
	Timestamp        int64       `json:"timestamp,omitempty"`
	Attempts         int         `json:"attempts,omitempty"`
	Backoff          *Backoff    `json:"backoff,omitempty"`
	RemoveOnComplete *KeepPolicy `json:"removeOnComplete,omitempty"`
	RemoveOnFail     *KeepPolicy `json:"removeOnFail,omitempty"`
	Parent           *ParentRef  `json:"parent,omitempty"`
	Repeat           *RepeatOpts `json:"repeat,omitempty"`
	RateLimiterKey   string      `json:"rateLimiterKey,omitempty"`

	// WaitChildren parks the job in waiting-children instead of wait; it
	// becomes ready when its dependencies set drains.
	WaitChildren bool `json:"waitChildren,omitempty"`
}

// Record is a view over the per-job hash. It has no lifetime beyond a call;
// mutation happens only through the transition scripts.
type Record struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Data           json.RawMessage `json:"data"`
	Opts           Options         `json:"opts"`
	Timestamp      int64           `json:"timestamp"`
	Delay          int64           `json:"delay"`
	Priority       int             `json:"priority"`
	AttemptsMade   int             `json:"attemptsMade"`
	StalledCounter int             `json:"stalledCounter"`
	ProcessedOn    int64           `json:"processedOn,omitempty"`
	FinishedOn     int64           `json:"finishedOn,omitempty"`
	ReturnValue    json.RawMessage `json:"returnvalue,omitempty"`
	FailedReason   string          `json:"failedReason,omitempty"`
	Progress       json.RawMessage `json:"progress,omitempty"`
	Parent         *ParentRef      `json:"parent,omitempty"`
}

// FromHash rebuilds a Record from HGETALL output.
func FromHash(id string, fields map[string]string) (*Record, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("job %s: empty hash", id)
	}
	r := &Record{ID: id, Name: fields["name"], Data: rawOrNil(fields["data"])}
	if s := fields["opts"]; s != "" {
		if err := json.Unmarshal([]byte(s), &r.Opts); err != nil {
			return nil, fmt.Errorf("job %s: bad opts: %w", id, err)
		}
	}
	r.Timestamp = parseInt(fields["timestamp"])
	r.Delay = parseInt(fields["delay"])
	r.Priority = int(parseInt(fields["priority"]))
	r.AttemptsMade = int(parseInt(fields["attemptsMade"]))
	r.StalledCounter = int(parseInt(fields["stalledCounter"]))
	r.ProcessedOn = parseInt(fields["processedOn"])
	r.FinishedOn = parseInt(fields["finishedOn"])
	r.ReturnValue = rawOrNil(fields["returnvalue"])
	r.FailedReason = fields["failedReason"]
	r.Progress = rawOrNil(fields["progress"])
	if s := fields["parent"]; s != "" {
		var p ParentRef
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			return nil, fmt.Errorf("job %s: bad parent: %w", id, err)
		}
		r.Parent = &p
	}
	return r, nil
}

// FromFlat rebuilds a Record from a flat [field, value, ...] script reply.
func FromFlat(id string, flat []interface{}) (*Record, error) {
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, ok := flat[i].(string)
		if !ok {
			return nil, fmt.Errorf("job %s: non-string field name %v", id, flat[i])
		}
		v, _ := flat[i+1].(string)
		fields[k] = v
	}
	return FromHash(id, fields)
}

// NextBackoff computes the delay before the next attempt, based on attempts
// already made. Zero means retry immediately.
func (r *Record) NextBackoff() time.Duration {
	return r.Opts.Backoff.DelayFor(r.AttemptsMade)
}

// AttemptsExhausted reports whether no retry remains, i.e. AttemptsMade has
// reached Opts.Attempts. Attempts<=1 means a single try.
func (r *Record) AttemptsExhausted() bool {
	return r.AttemptsMade >= r.Opts.Attempts
}

// NumericID extracts the numeric portion of a job id for the delayed-set
// tiebreaker. Rate-limit groups append ":<group>" to generated ids and
// user-supplied ids may not be numeric at all; both parse as their leading
// digits, or 0.
func NumericID(id string) int64 {
	end := 0
	for end < len(id) && id[end] >= '0' && id[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	n, err := strconv.ParseInt(id[:end], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// CompositeScore packs a millisecond timestamp with the id's low 12 bits so
// jobs due in the same millisecond wake in id order. Ids more than 4096 apart
// within one millisecond can still reorder; callers accepting that hazard is
// part of the contract.
func CompositeScore(timestamp int64, id string) int64 {
	if timestamp < 0 {
		timestamp = 0
	}
	return timestamp*4096 + (NumericID(id) & 0xFFF)
}

func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func rawOrNil(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}
