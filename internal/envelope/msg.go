package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MsgID uniquely names a task or socket task for its whole lifetime.
type MsgID struct {
	uuid.UUID
}

// NewMsgID returns a fresh random MsgID.
func NewMsgID() MsgID {
	return MsgID{uuid.New()}
}

// ParseMsgID parses the canonical textual form.
func ParseMsgID(s string) (MsgID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return MsgID{}, fmt.Errorf("invalid message id %q: %w", s, err)
	}
	return MsgID{u}, nil
}

// IsZero reports whether the id is the all-zero UUID.
func (id MsgID) IsZero() bool { return id.UUID == uuid.Nil }

// WorkStatus is the broker-visible progress marker carried by a result.
// The encrypted body may refine it; the broker only ever consults the
// discriminant.
type WorkStatus string

const (
	StatusClaimed    WorkStatus = "claimed"
	StatusTempFailed WorkStatus = "tempfailed"
	StatusPermFailed WorkStatus = "permfailed"
	StatusSucceeded  WorkStatus = "succeeded"
)

// IsValid reports whether the status is one of the known discriminants.
func (s WorkStatus) IsValid() bool {
	switch s {
	case StatusClaimed, StatusTempFailed, StatusPermFailed, StatusSucceeded:
		return true
	}
	return false
}

// IsClosed reports whether the status ends the worker's involvement.
// The todo filter treats tasks whose caller-result is closed as done.
func (s WorkStatus) IsClosed() bool {
	return s == StatusSucceeded || s == StatusPermFailed
}

// TTL is a wire duration. It encodes as a Go duration string ("30s",
// "5m") and additionally accepts a bare number of seconds on decode.
type TTL struct {
	time.Duration
}

func (t TTL) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Duration.String())
}

func (t *TTL) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid ttl %q: %w", s, err)
		}
		t.Duration = d
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("invalid ttl: %w", err)
	}
	t.Duration = time.Duration(secs * float64(time.Second))
	return nil
}

// RetryStrategy is the issuer's retry envelope, opaque to the broker.
type RetryStrategy struct {
	BackoffMillis uint64 `json:"backoff_millisecs"`
	MaxTries      uint64 `json:"max_tries"`
}

// FailureStrategy tells recipients what the issuer wants on failure.
// The broker round-trips it without interpretation. The zero value is
// "discard".
type FailureStrategy struct {
	Retry *RetryStrategy
}

func (f FailureStrategy) MarshalJSON() ([]byte, error) {
	if f.Retry == nil {
		return json.Marshal("discard")
	}
	return json.Marshal(map[string]*RetryStrategy{"retry": f.Retry})
}

func (f *FailureStrategy) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s != "discard" {
			return fmt.Errorf("unknown failure strategy %q", s)
		}
		f.Retry = nil
		return nil
	}
	var wrapper struct {
		Retry *RetryStrategy `json:"retry"`
	}
	if err := json.Unmarshal(b, &wrapper); err != nil {
		return fmt.Errorf("invalid failure strategy: %w", err)
	}
	if wrapper.Retry == nil {
		return fmt.Errorf("failure strategy object must carry retry")
	}
	f.Retry = wrapper.Retry
	return nil
}

// EncryptedTaskRequest is the broker-visible shell of a task. The body
// is ciphertext for the recipients; the broker routes on the shell only.
type EncryptedTaskRequest struct {
	ID              MsgID           `json:"id"`
	From            AppOrProxyID    `json:"from"`
	To              []AppOrProxyID  `json:"to"`
	TTL             TTL             `json:"ttl"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	Body            string          `json:"body"`
	FailureStrategy FailureStrategy `json:"failure_strategy"`
}

func (t *EncryptedTaskRequest) MsgID() MsgID { return t.ID }

func (t *EncryptedTaskRequest) Sender() AppOrProxyID { return t.From }

func (t *EncryptedTaskRequest) Recipients() []AppOrProxyID { return t.To }

func (t *EncryptedTaskRequest) Lifetime() time.Duration { return t.TTL.Duration }

// Validate checks the shell invariants that must hold before storage.
func (t *EncryptedTaskRequest) Validate() error {
	if t.ID.IsZero() {
		return fmt.Errorf("task id must be set")
	}
	if t.From.IsZero() {
		return fmt.Errorf("task from must be set")
	}
	if len(t.To) == 0 {
		return fmt.Errorf("task must name at least one recipient")
	}
	if t.TTL.Duration <= 0 {
		return fmt.Errorf("task ttl must be positive")
	}
	return nil
}

// EncryptedTaskResult is one worker's reply to a task.
type EncryptedTaskResult struct {
	From     AppOrProxyID    `json:"from"`
	To       []AppOrProxyID  `json:"to"`
	Task     MsgID           `json:"task"`
	Status   WorkStatus      `json:"status"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Body     *string         `json:"body"`
}

func (r *EncryptedTaskResult) Sender() AppOrProxyID { return r.From }

func (r *EncryptedTaskResult) Validate() error {
	if r.From.IsZero() {
		return fmt.Errorf("result from must be set")
	}
	if len(r.To) == 0 {
		return fmt.Errorf("result must name at least one recipient")
	}
	if r.Task.IsZero() {
		return fmt.Errorf("result task id must be set")
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("unknown work status %q", r.Status)
	}
	return nil
}

// SocketTask is the rendezvous variant of a task: same shell, no result
// aggregation, and a short bootstrap blob instead of a work body.
type SocketTask struct {
	ID       MsgID           `json:"id"`
	From     AppOrProxyID    `json:"from"`
	To       []AppOrProxyID  `json:"to"`
	TTL      TTL             `json:"ttl"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Body     string          `json:"body,omitempty"`
}

func (s *SocketTask) MsgID() MsgID { return s.ID }

func (s *SocketTask) Sender() AppOrProxyID { return s.From }

func (s *SocketTask) Recipients() []AppOrProxyID { return s.To }

func (s *SocketTask) Lifetime() time.Duration { return s.TTL.Duration }

func (s *SocketTask) Validate() error {
	if s.ID.IsZero() {
		return fmt.Errorf("socket task id must be set")
	}
	if s.From.IsZero() {
		return fmt.Errorf("socket task from must be set")
	}
	if len(s.To) == 0 {
		return fmt.Errorf("socket task must name at least one recipient")
	}
	if s.TTL.Duration <= 0 {
		return fmt.Errorf("socket task ttl must be positive")
	}
	return nil
}

// Signed wraps a payload together with the compact JWS it arrived in
// and the sender identity taken from that token. Values are only built
// after signature verification; holding a Signed[T] means the token
// checked out and From matches the signing key's subject.
type Signed[T any] struct {
	Msg   T            `json:"msg"`
	Token string       `json:"token"`
	From  AppOrProxyID `json:"from"`
}

// NewSigned packages a verified payload. Callers are the verification
// boundary; nothing else should construct Signed values.
func NewSigned[T any](msg T, token string, from AppOrProxyID) Signed[T] {
	return Signed[T]{Msg: msg, Token: token, From: from}
}
