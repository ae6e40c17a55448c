package jiggler

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the job record moved between queue lists and sorted sets.
// Keys not known to this package are kept in Extra and written back
// unchanged.
type Envelope struct {
	Name         string  `json:"name"`
	Args         Args    `json:"args"`
	JID          string  `json:"jid"`
	Retries      int     `json:"retries"`
	Attempt      int     `json:"attempt,omitempty"`
	Queue        string  `json:"queue,omitempty"`
	ErrorClass   string  `json:"error_class,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
	StartedAt    float64 `json:"started_at,omitempty"`
	RetriedAt    float64 `json:"retried_at,omitempty"`
	RetryAt      float64 `json:"retry_at,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type envelopeFields Envelope

var knownEnvelopeKeys = map[string]bool{
	"name": true, "args": true, "jid": true, "retries": true, "attempt": true,
	"queue": true, "error_class": true, "error_message": true,
	"started_at": true, "retried_at": true, "retry_at": true,
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	var f envelopeFields
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	for k := range knownEnvelopeKeys {
		delete(all, k)
	}
	if len(all) > 0 {
		f.Extra = all
	}
	*e = Envelope(f)
	return nil
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(envelopeFields(e))
	if err != nil || len(e.Extra) == 0 {
		return b, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return nil, err
	}
	for k, v := range e.Extra {
		if !knownEnvelopeKeys[k] {
			all[k] = v
		}
	}
	return json.Marshal(all)
}

// DecodeEnvelope parses a payload and checks the fields every job needs.
func DecodeEnvelope(payload string) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return nil, &EnvelopeError{Payload: payload, Err: err}
	}
	if e.Name == "" {
		return nil, &EnvelopeError{Payload: payload, Err: fmt.Errorf("missing name")}
	}
	return &e, nil
}

func (e *Envelope) encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("jiggler: encode envelope %s: %w", e.JID, err)
	}
	return string(b), nil
}

// Args are the positional job arguments, kept raw until the handler
// decodes them.
type Args []json.RawMessage

// NewArgs encodes each value as one argument.
func NewArgs(vals ...any) (Args, error) {
	args := make(Args, 0, len(vals))
	for i, v := range vals {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("jiggler: encode arg %d: %w", i, err)
		}
		args = append(args, b)
	}
	return args, nil
}

// Scan decodes the leading arguments into dst, in order. Extra arguments are
// ignored; missing ones are an error.
func (a Args) Scan(dst ...any) error {
	if len(dst) > len(a) {
		return fmt.Errorf("jiggler: want %d args, have %d", len(dst), len(a))
	}
	for i, d := range dst {
		if err := json.Unmarshal(a[i], d); err != nil {
			return fmt.Errorf("jiggler: decode arg %d: %w", i, err)
		}
	}
	return nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromUnixSeconds(f float64) time.Time {
	return time.Unix(0, int64(f*float64(time.Second)))
}

const maxErrorMessage = 10_000

func truncateMessage(s string) string {
	r := []rune(s)
	if len(r) <= maxErrorMessage {
		return s
	}
	return string(r[:maxErrorMessage])
}
