// Package envelope implements the ArqonBus wire envelope: the single frame
// shape carrying messages, commands, responses, telemetry, and operator
// results between clients and the bus.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type enumerates the recognized envelope kinds.
type Type string

const (
	TypeMessage       Type = "message"
	TypeCommand       Type = "command"
	TypeResponse      Type = "response"
	TypeTelemetry     Type = "telemetry"
	TypeOperatorResult Type = "operator_result"
)

// DefaultVersion is applied when an envelope is constructed without one.
const DefaultVersion = "1.0"

// Metadata carries the routing/causal fields recognized by §3 plus any
// additional keys a component chooses to stash (e.g. cron_job_id).
type Metadata struct {
	TenantID       string           `json:"tenant_id,omitempty"`
	Sequence       *int64           `json:"sequence,omitempty"`
	VectorClock    map[string]int64 `json:"vector_clock,omitempty"`
	CausalParentID string           `json:"causal_parent_id,omitempty"`
	Extra          map[string]any   `json:"-"`
}

// IsEmpty reports whether the metadata carries no information at all, so
// the envelope can omit the field entirely on the wire.
func (m *Metadata) IsEmpty() bool {
	if m == nil {
		return true
	}
	return m.TenantID == "" && m.Sequence == nil && len(m.VectorClock) == 0 &&
		m.CausalParentID == "" && len(m.Extra) == 0
}

// MarshalJSON flattens Extra alongside the recognized fields.
func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+4)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.TenantID != "" {
		out["tenant_id"] = m.TenantID
	}
	if m.Sequence != nil {
		out["sequence"] = *m.Sequence
	}
	if len(m.VectorClock) > 0 {
		out["vector_clock"] = m.VectorClock
	}
	if m.CausalParentID != "" {
		out["causal_parent_id"] = m.CausalParentID
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits the recognized fields out of the free-form object,
// keeping everything else in Extra.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Extra = make(map[string]any)
	for k, v := range raw {
		switch k {
		case "tenant_id":
			if s, ok := v.(string); ok {
				m.TenantID = s
			}
		case "sequence":
			if n, ok := v.(float64); ok {
				seq := int64(n)
				m.Sequence = &seq
			}
		case "vector_clock":
			if vc, ok := v.(map[string]any); ok {
				m.VectorClock = make(map[string]int64, len(vc))
				for ck, cv := range vc {
					if n, ok := cv.(float64); ok {
						m.VectorClock[ck] = int64(n)
					}
				}
			}
		case "causal_parent_id":
			if s, ok := v.(string); ok {
				m.CausalParentID = s
			}
		default:
			m.Extra[k] = v
		}
	}
	return nil
}

// Envelope is the single frame type exchanged over the socket.
type Envelope struct {
	ID        string
	Type      Type
	Timestamp time.Time
	Version   string
	Sender    string
	Room      string
	Channel   string
	Payload   map[string]any
	Command   string
	Args      map[string]any
	RequestID string
	Status    string
	ErrorCode string
	Metadata  Metadata
}

// New returns an envelope with its version and timestamp defaulted, ready
// for the caller to fill in Type/Room/Channel/Payload.
func New(typ Type) *Envelope {
	return &Envelope{
		ID:        GenerateMessageID(),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Version:   DefaultVersion,
		Payload:   map[string]any{},
	}
}

// wireJSON is the canonical JSON projection, field-ordered per §3 and
// omitting unset optionals.
type wireJSON struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Version   string         `json:"version,omitempty"`
	Sender    string         `json:"sender,omitempty"`
	Room      string         `json:"room,omitempty"`
	Channel   string         `json:"channel,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Command   string         `json:"command,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Status    string         `json:"status,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
	Metadata  *Metadata      `json:"metadata,omitempty"`
}

// MarshalJSON emits the canonical wire form with an explicit UTC "Z" suffix.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	w := wireJSON{
		ID:        e.ID,
		Type:      string(e.Type),
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Version:   e.Version,
		Sender:    e.Sender,
		Room:      e.Room,
		Channel:   e.Channel,
		Payload:   e.Payload,
		Command:   e.Command,
		Args:      e.Args,
		RequestID: e.RequestID,
		Status:    e.Status,
		ErrorCode: e.ErrorCode,
	}
	if !e.Metadata.IsEmpty() {
		m := e.Metadata
		w.Metadata = &m
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the canonical wire form, accepting any RFC3339
// timestamp (including a bare "Z" suffix).
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		ts, err = time.Parse(time.RFC3339, w.Timestamp)
		if err != nil {
			return fmt.Errorf("envelope: invalid timestamp %q: %w", w.Timestamp, err)
		}
	}
	e.ID = w.ID
	e.Type = Type(w.Type)
	e.Timestamp = ts.UTC()
	e.Version = w.Version
	if e.Version == "" {
		e.Version = DefaultVersion
	}
	e.Sender = w.Sender
	e.Room = w.Room
	e.Channel = w.Channel
	e.Payload = w.Payload
	e.Command = w.Command
	e.Args = w.Args
	e.RequestID = w.RequestID
	e.Status = w.Status
	e.ErrorCode = w.ErrorCode
	if w.Metadata != nil {
		e.Metadata = *w.Metadata
	} else {
		e.Metadata = Metadata{}
	}
	return nil
}

// Clone returns a deep-enough copy for safe concurrent mutation (redaction,
// transport fan-out) without racing the original.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	clone.Payload = cloneMap(e.Payload)
	clone.Args = cloneMap(e.Args)
	clone.Metadata.Extra = cloneMap(e.Metadata.Extra)
	if e.Metadata.VectorClock != nil {
		clone.Metadata.VectorClock = make(map[string]int64, len(e.Metadata.VectorClock))
		for k, v := range e.Metadata.VectorClock {
			clone.Metadata.VectorClock[k] = v
		}
	}
	if e.Metadata.Sequence != nil {
		seq := *e.Metadata.Sequence
		clone.Metadata.Sequence = &seq
	}
	return &clone
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
