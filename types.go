package redstage

import (
	"encoding/json"
	"time"
)

// Job is the unit of work moved between stages.
// Status is rewritten on every transition and mirrored in the JobIndex.
type Job struct {
	ID        string
	Type      string
	Status    string
	Payload   json.RawMessage
	Attempts  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	return &c
}

func queuedStatus(name string) string { return "queued into " + name }

func movedStatus(from, to string) string { return "moved from " + from + " into " + to }

func requeuedStatus(from, to string) string { return "requeued from " + from + " into " + to }

type EventType string

const (
	EventEnqueued     EventType = "enqueued"
	EventDequeued     EventType = "dequeued"
	EventMoved        EventType = "moved"
	EventRequeued     EventType = "requeued"
	EventClaimed      EventType = "claimed"
	EventReaped       EventType = "reaped"
	EventDeadLettered EventType = "dead_lettered"
)

type Event struct {
	Type     EventType         `json:"type"`
	Queue    string            `json:"queue"`
	JobID    string            `json:"job_id,omitempty"`
	AtUnixMs int64             `json:"at_unix_ms"`
	Extra    map[string]string `json:"extra,omitempty"`
}
