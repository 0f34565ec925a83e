package envelope

import (
	"fmt"
	"math"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field tag numbers for the binary envelope, fixed by the wire contract so
// unknown tags can be skipped by future versions instead of breaking on a
// layout change.
const (
	tagID        protowire.Number = 1
	tagType      protowire.Number = 2
	tagTimestamp protowire.Number = 3
	tagVersion   protowire.Number = 4
	tagSender    protowire.Number = 5
	tagRoom      protowire.Number = 6
	tagChannel   protowire.Number = 7
	tagPayload   protowire.Number = 8
	tagCommand   protowire.Number = 9
	tagArgs      protowire.Number = 10
	tagRequestID protowire.Number = 11
	tagStatus    protowire.Number = 12
	tagErrorCode protowire.Number = 13
	tagMetadata  protowire.Number = 14
)

const (
	metaTagTenantID       protowire.Number = 1
	metaTagSequence       protowire.Number = 2
	metaTagVectorClock    protowire.Number = 3
	metaTagCausalParentID protowire.Number = 4
	metaTagExtra          protowire.Number = 5
)

// MarshalBinary encodes the envelope as a length-delimited TLV stream built
// on the protobuf wire primitives. Unknown tags on decode are skipped, so
// adding a field never breaks an older reader.
func (e *Envelope) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, tagID, protowire.BytesType)
	b = protowire.AppendString(b, e.ID)
	b = protowire.AppendTag(b, tagType, protowire.BytesType)
	b = protowire.AppendString(b, string(e.Type))
	b = protowire.AppendTag(b, tagTimestamp, protowire.BytesType)
	b = protowire.AppendString(b, e.Timestamp.UTC().Format(rfc3339nano))
	if e.Version != "" {
		b = protowire.AppendTag(b, tagVersion, protowire.BytesType)
		b = protowire.AppendString(b, e.Version)
	}
	if e.Sender != "" {
		b = protowire.AppendTag(b, tagSender, protowire.BytesType)
		b = protowire.AppendString(b, e.Sender)
	}
	if e.Room != "" {
		b = protowire.AppendTag(b, tagRoom, protowire.BytesType)
		b = protowire.AppendString(b, e.Room)
	}
	if e.Channel != "" {
		b = protowire.AppendTag(b, tagChannel, protowire.BytesType)
		b = protowire.AppendString(b, e.Channel)
	}
	if len(e.Payload) > 0 {
		b = protowire.AppendTag(b, tagPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeMap(e.Payload))
	}
	if e.Command != "" {
		b = protowire.AppendTag(b, tagCommand, protowire.BytesType)
		b = protowire.AppendString(b, e.Command)
	}
	if len(e.Args) > 0 {
		b = protowire.AppendTag(b, tagArgs, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeMap(e.Args))
	}
	if e.RequestID != "" {
		b = protowire.AppendTag(b, tagRequestID, protowire.BytesType)
		b = protowire.AppendString(b, e.RequestID)
	}
	if e.Status != "" {
		b = protowire.AppendTag(b, tagStatus, protowire.BytesType)
		b = protowire.AppendString(b, e.Status)
	}
	if e.ErrorCode != "" {
		b = protowire.AppendTag(b, tagErrorCode, protowire.BytesType)
		b = protowire.AppendString(b, e.ErrorCode)
	}
	if !e.Metadata.IsEmpty() {
		b = protowire.AppendTag(b, tagMetadata, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeMetadata(&e.Metadata))
	}
	return b, nil
}

const rfc3339nano = "2006-01-02T15:04:05.999999999Z07:00"

// UnmarshalBinary decodes a TLV stream produced by MarshalBinary. Tags it
// does not recognize are consumed and discarded rather than rejected.
func (e *Envelope) UnmarshalBinary(data []byte) error {
	*e = Envelope{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("envelope: malformed tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case tagID:
			v, nn, err := consumeString(data)
			if err != nil {
				return err
			}
			e.ID = v
			data = data[nn:]
		case tagType:
			v, nn, err := consumeString(data)
			if err != nil {
				return err
			}
			e.Type = Type(v)
			data = data[nn:]
		case tagTimestamp:
			v, nn, err := consumeString(data)
			if err != nil {
				return err
			}
			ts, perr := parseTimestamp(v)
			if perr != nil {
				return perr
			}
			e.Timestamp = ts
			data = data[nn:]
		case tagVersion:
			v, nn, err := consumeString(data)
			if err != nil {
				return err
			}
			e.Version = v
			data = data[nn:]
		case tagSender:
			v, nn, err := consumeString(data)
			if err != nil {
				return err
			}
			e.Sender = v
			data = data[nn:]
		case tagRoom:
			v, nn, err := consumeString(data)
			if err != nil {
				return err
			}
			e.Room = v
			data = data[nn:]
		case tagChannel:
			v, nn, err := consumeString(data)
			if err != nil {
				return err
			}
			e.Channel = v
			data = data[nn:]
		case tagPayload:
			blob, nn := protowire.ConsumeBytes(data)
			if nn < 0 {
				return fmt.Errorf("envelope: malformed payload: %w", protowire.ParseError(nn))
			}
			m, err := decodeMap(blob)
			if err != nil {
				return err
			}
			e.Payload = m
			data = data[nn:]
		case tagCommand:
			v, nn, err := consumeString(data)
			if err != nil {
				return err
			}
			e.Command = v
			data = data[nn:]
		case tagArgs:
			blob, nn := protowire.ConsumeBytes(data)
			if nn < 0 {
				return fmt.Errorf("envelope: malformed args: %w", protowire.ParseError(nn))
			}
			m, err := decodeMap(blob)
			if err != nil {
				return err
			}
			e.Args = m
			data = data[nn:]
		case tagRequestID:
			v, nn, err := consumeString(data)
			if err != nil {
				return err
			}
			e.RequestID = v
			data = data[nn:]
		case tagStatus:
			v, nn, err := consumeString(data)
			if err != nil {
				return err
			}
			e.Status = v
			data = data[nn:]
		case tagErrorCode:
			v, nn, err := consumeString(data)
			if err != nil {
				return err
			}
			e.ErrorCode = v
			data = data[nn:]
		case tagMetadata:
			blob, nn := protowire.ConsumeBytes(data)
			if nn < 0 {
				return fmt.Errorf("envelope: malformed metadata: %w", protowire.ParseError(nn))
			}
			md, err := decodeMetadata(blob)
			if err != nil {
				return err
			}
			e.Metadata = *md
			data = data[nn:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("envelope: malformed unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}

func consumeString(data []byte) (string, int, error) {
	v, n := protowire.ConsumeString(data)
	if n < 0 {
		return "", 0, fmt.Errorf("envelope: malformed string field: %w", protowire.ParseError(n))
	}
	return v, n, nil
}

func encodeMetadata(m *Metadata) []byte {
	var b []byte
	if m.TenantID != "" {
		b = protowire.AppendTag(b, metaTagTenantID, protowire.BytesType)
		b = protowire.AppendString(b, m.TenantID)
	}
	if m.Sequence != nil {
		b = protowire.AppendTag(b, metaTagSequence, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(*m.Sequence))
	}
	if len(m.VectorClock) > 0 {
		b = protowire.AppendTag(b, metaTagVectorClock, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeVectorClock(m.VectorClock))
	}
	if m.CausalParentID != "" {
		b = protowire.AppendTag(b, metaTagCausalParentID, protowire.BytesType)
		b = protowire.AppendString(b, m.CausalParentID)
	}
	if len(m.Extra) > 0 {
		b = protowire.AppendTag(b, metaTagExtra, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeMap(m.Extra))
	}
	return b
}

func decodeMetadata(data []byte) (*Metadata, error) {
	m := &Metadata{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("envelope: malformed metadata tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case metaTagTenantID:
			v, nn, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			m.TenantID = v
			data = data[nn:]
		case metaTagSequence:
			zz, nn := protowire.ConsumeVarint(data)
			if nn < 0 {
				return nil, fmt.Errorf("envelope: malformed sequence: %w", protowire.ParseError(nn))
			}
			seq := protowire.DecodeZigZag(zz)
			m.Sequence = &seq
			data = data[nn:]
		case metaTagVectorClock:
			blob, nn := protowire.ConsumeBytes(data)
			if nn < 0 {
				return nil, fmt.Errorf("envelope: malformed vector_clock: %w", protowire.ParseError(nn))
			}
			vc, err := decodeVectorClock(blob)
			if err != nil {
				return nil, err
			}
			m.VectorClock = vc
			data = data[nn:]
		case metaTagCausalParentID:
			v, nn, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			m.CausalParentID = v
			data = data[nn:]
		case metaTagExtra:
			blob, nn := protowire.ConsumeBytes(data)
			if nn < 0 {
				return nil, fmt.Errorf("envelope: malformed metadata extra: %w", protowire.ParseError(nn))
			}
			extra, err := decodeMap(blob)
			if err != nil {
				return nil, err
			}
			m.Extra = extra
			data = data[nn:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("envelope: malformed unknown metadata field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return m, nil
}

func encodeVectorClock(vc map[string]int64) []byte {
	keys := make([]string, 0, len(vc))
	for k := range vc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b []byte
	for _, k := range keys {
		b = protowire.AppendString(b, k)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(vc[k]))
	}
	return b
}

func decodeVectorClock(data []byte) (map[string]int64, error) {
	vc := map[string]int64{}
	for len(data) > 0 {
		k, n := protowire.ConsumeString(data)
		if n < 0 {
			return nil, fmt.Errorf("envelope: malformed vector_clock key: %w", protowire.ParseError(n))
		}
		data = data[n:]
		zz, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return nil, fmt.Errorf("envelope: malformed vector_clock value: %w", protowire.ParseError(n))
		}
		data = data[n:]
		vc[k] = protowire.DecodeZigZag(zz)
	}
	return vc, nil
}

// value kind prefixes used inside the flattened key/value TLV list that
// backs payload/args/metadata.extra.
const (
	kindString byte = 1
	kindInt    byte = 2
	kindFloat  byte = 3
	kindBool   byte = 4
	kindMap    byte = 5
	kindList   byte = 6
	kindNull   byte = 7
)

func encodeMap(m map[string]any) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b []byte
	for _, k := range keys {
		b = protowire.AppendString(b, k)
		b = encodeValue(b, m[k])
	}
	return b
}

func decodeMap(data []byte) (map[string]any, error) {
	m := map[string]any{}
	for len(data) > 0 {
		k, n := protowire.ConsumeString(data)
		if n < 0 {
			return nil, fmt.Errorf("envelope: malformed map key: %w", protowire.ParseError(n))
		}
		data = data[n:]
		v, rest, err := decodeValue(data)
		if err != nil {
			return nil, err
		}
		m[k] = v
		data = rest
	}
	return m, nil
}

func encodeValue(b []byte, v any) []byte {
	switch t := v.(type) {
	case nil:
		return append(b, kindNull)
	case string:
		b = append(b, kindString)
		return protowire.AppendString(b, t)
	case bool:
		b = append(b, kindBool)
		if t {
			return append(b, 1)
		}
		return append(b, 0)
	case float64:
		b = append(b, kindFloat)
		return protowire.AppendFixed64(b, math.Float64bits(t))
	case int:
		b = append(b, kindInt)
		return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(t)))
	case int64:
		b = append(b, kindInt)
		return protowire.AppendVarint(b, protowire.EncodeZigZag(t))
	case map[string]any:
		b = append(b, kindMap)
		return protowire.AppendBytes(b, encodeMap(t))
	case []any:
		b = append(b, kindList)
		var inner []byte
		inner = protowire.AppendVarint(inner, uint64(len(t)))
		for _, elem := range t {
			inner = encodeValue(inner, elem)
		}
		return protowire.AppendBytes(b, inner)
	default:
		b = append(b, kindString)
		return protowire.AppendString(b, fmt.Sprintf("%v", t))
	}
}

func decodeValue(data []byte) (any, []byte, error) {
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("envelope: truncated value")
	}
	kind := data[0]
	data = data[1:]
	switch kind {
	case kindNull:
		return nil, data, nil
	case kindString:
		v, n := protowire.ConsumeString(data)
		if n < 0 {
			return nil, nil, fmt.Errorf("envelope: malformed string value: %w", protowire.ParseError(n))
		}
		return v, data[n:], nil
	case kindBool:
		if len(data) < 1 {
			return nil, nil, fmt.Errorf("envelope: truncated bool value")
		}
		return data[0] != 0, data[1:], nil
	case kindFloat:
		bits, n := protowire.ConsumeFixed64(data)
		if n < 0 {
			return nil, nil, fmt.Errorf("envelope: malformed float value: %w", protowire.ParseError(n))
		}
		return math.Float64frombits(bits), data[n:], nil
	case kindInt:
		zz, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return nil, nil, fmt.Errorf("envelope: malformed int value: %w", protowire.ParseError(n))
		}
		return protowire.DecodeZigZag(zz), data[n:], nil
	case kindMap:
		blob, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, nil, fmt.Errorf("envelope: malformed nested map: %w", protowire.ParseError(n))
		}
		m, err := decodeMap(blob)
		if err != nil {
			return nil, nil, err
		}
		return m, data[n:], nil
	case kindList:
		blob, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, nil, fmt.Errorf("envelope: malformed nested list: %w", protowire.ParseError(n))
		}
		count, cn := protowire.ConsumeVarint(blob)
		if cn < 0 {
			return nil, nil, fmt.Errorf("envelope: malformed list count: %w", protowire.ParseError(cn))
		}
		blob = blob[cn:]
		list := make([]any, 0, count)
		for i := uint64(0); i < count; i++ {
			var elem any
			var err error
			elem, blob, err = decodeValue(blob)
			if err != nil {
				return nil, nil, err
			}
			list = append(list, elem)
		}
		return list, data[n:], nil
	default:
		return nil, nil, fmt.Errorf("envelope: unknown value kind %d", kind)
	}
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(rfc3339nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("envelope: invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
