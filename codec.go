package redstage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// codecVersion is bumped on any incompatible change of the envelope.
const codecVersion = 1

// envelope is the wire form of a Job. Field order is fixed so that the same
// Job always encodes to the same bytes; scripts compare blobs by value.
type envelope struct {
	V           int             `json:"v"`
	ID          string          `json:"id"`
	Type        string          `json:"type,omitempty"`
	Status      string          `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempts    int             `json:"attempts,omitempty"`
	CreatedAtMs int64           `json:"created_at_ms,omitempty"`
	UpdatedAtMs int64           `json:"updated_at_ms,omitempty"`
}

func encodeJob(j *Job) (string, error) {
	if j == nil || j.ID == "" {
		return "", ErrInvalidJob
	}
	if len(j.Payload) > 0 && !json.Valid(j.Payload) {
		return "", fmt.Errorf("%w: payload is not valid JSON", ErrInvalidJob)
	}
	env := envelope{
		V:        codecVersion,
		ID:       j.ID,
		Type:     j.Type,
		Status:   j.Status,
		Payload:  j.Payload,
		Attempts: j.Attempts,
	}
	if !j.CreatedAt.IsZero() {
		env.CreatedAtMs = j.CreatedAt.UnixMilli()
	}
	if !j.UpdatedAt.IsZero() {
		env.UpdatedAtMs = j.UpdatedAt.UnixMilli()
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJob(raw string) (*Job, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, err
	}
	if env.V != codecVersion {
		return nil, fmt.Errorf("unsupported envelope version %d", env.V)
	}
	if env.ID == "" {
		return nil, errors.New("missing job id")
	}
	j := &Job{
		ID:       env.ID,
		Type:     env.Type,
		Status:   env.Status,
		Payload:  env.Payload,
		Attempts: env.Attempts,
	}
	if env.CreatedAtMs != 0 {
		j.CreatedAt = time.UnixMilli(env.CreatedAtMs)
	}
	if env.UpdatedAtMs != 0 {
		j.UpdatedAt = time.UnixMilli(env.UpdatedAtMs)
	}
	return j, nil
}
