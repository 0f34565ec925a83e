// Package validate checks incoming envelopes for structural and semantic
// correctness before they reach CASIL or the command lane.
package validate

import (
	"fmt"

	"github.com/arqonbus/bus/internal/envelope"
)

// Errors is a list of human-readable validation failures. An empty list
// means the envelope is valid.
type Errors []string

func (e Errors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0]
	}
	return fmt.Sprintf("%s (and %d more)", e[0], len(e)-1)
}

// Valid reports whether no errors were collected.
func (e Errors) Valid() bool {
	return len(e) == 0
}

// Envelope runs the structural and semantic rules against env, returning
// the accumulated list of human-readable errors (empty ⇒ valid).
func Envelope(env *envelope.Envelope) Errors {
	var errs Errors

	if env.ID == "" {
		errs = append(errs, "id is required")
	} else if !envelope.IsValidMessageID(env.ID) {
		errs = append(errs, "id does not match the canonical message id shape")
	}

	switch env.Type {
	case envelope.TypeMessage, envelope.TypeTelemetry:
		if env.Room == "" {
			errs = append(errs, "room is required for routed message/telemetry envelopes")
		}
	case envelope.TypeCommand:
		if env.Command == "" {
			errs = append(errs, "command is required when type=command")
		}
	case envelope.TypeResponse, envelope.TypeOperatorResult:
		// request_id correlation is enforced by the dispatcher, not here.
	case "":
		errs = append(errs, "type is required")
	default:
		errs = append(errs, fmt.Sprintf("unrecognized envelope type %q", env.Type))
	}

	for _, v := range env.Metadata.VectorClock {
		if v < 0 {
			errs = append(errs, "vector_clock values must be non-negative integers")
			break
		}
	}

	if env.Metadata.Sequence != nil && *env.Metadata.Sequence < 0 {
		errs = append(errs, "metadata.sequence must be non-negative")
	}

	return errs
}

// WireFormat mirrors envelope.Format but is exported here so callers of
// ParseWire don't need to import the envelope package just for the enum.
type WireFormat = envelope.Format

// ParseWire decodes raw bytes via format auto-detection and validates the
// result, returning the decoded envelope, any validation errors, and which
// wire format was detected.
func ParseWire(frame []byte) (*envelope.Envelope, Errors, WireFormat) {
	format := envelope.DetectFormat(frame)
	env, err := envelope.Decode(frame)
	if err != nil {
		return nil, Errors{err.Error()}, format
	}
	return env, Envelope(env), format
}
