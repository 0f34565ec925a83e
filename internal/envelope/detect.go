package envelope

import "fmt"

// Format identifies which codec produced a frame.
type Format int

const (
	FormatJSON Format = iota
	FormatBinary
)

// DetectFormat sniffs the leading byte of a frame: JSON envelopes always
// start with '{', everything else is tried as the binary TLV codec.
func DetectFormat(frame []byte) Format {
	if len(frame) > 0 && frame[0] == '{' {
		return FormatJSON
	}
	return FormatBinary
}

// Decode parses a frame in whichever format it was sent in.
func Decode(frame []byte) (*Envelope, error) {
	e := &Envelope{}
	switch DetectFormat(frame) {
	case FormatJSON:
		if err := e.UnmarshalJSON(frame); err != nil {
			return nil, fmt.Errorf("envelope: decode json: %w", err)
		}
	default:
		if err := e.UnmarshalBinary(frame); err != nil {
			return nil, fmt.Errorf("envelope: decode binary: %w", err)
		}
	}
	return e, nil
}

// Encode serializes the envelope using the requested wire format.
func Encode(e *Envelope, format Format) ([]byte, error) {
	switch format {
	case FormatBinary:
		return e.MarshalBinary()
	default:
		return e.MarshalJSON()
	}
}
