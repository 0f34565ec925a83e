package validate

import (
	"testing"
	"time"

	"github.com/arqonbus/bus/internal/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRequiresRoomForMessage(t *testing.T) {
	env := &envelope.Envelope{
		ID:        envelope.GenerateMessageID(),
		Type:      envelope.TypeMessage,
		Timestamp: time.Now(),
	}
	errs := Envelope(env)
	require.False(t, errs.Valid())
	assert.Contains(t, errs.Error(), "room is required")
}

func TestEnvelopeRequiresCommandName(t *testing.T) {
	env := &envelope.Envelope{
		ID:        envelope.GenerateMessageID(),
		Type:      envelope.TypeCommand,
		Timestamp: time.Now(),
	}
	errs := Envelope(env)
	require.False(t, errs.Valid())
	assert.Contains(t, errs.Error(), "command is required")
}

func TestEnvelopeRejectsBadID(t *testing.T) {
	env := &envelope.Envelope{
		ID:        "not-a-valid-id",
		Type:      envelope.TypeMessage,
		Room:      "lobby",
		Timestamp: time.Now(),
	}
	errs := Envelope(env)
	require.False(t, errs.Valid())
}

func TestEnvelopeRejectsNegativeVectorClock(t *testing.T) {
	env := &envelope.Envelope{
		ID:        envelope.GenerateMessageID(),
		Type:      envelope.TypeMessage,
		Room:      "lobby",
		Timestamp: time.Now(),
		Metadata: envelope.Metadata{
			VectorClock: map[string]int64{"node-1": -1},
		},
	}
	errs := Envelope(env)
	require.False(t, errs.Valid())
	assert.Contains(t, errs.Error(), "vector_clock values must be non-negative")
}

func TestParseWireDetectsJSON(t *testing.T) {
	env := envelope.New(envelope.TypeMessage)
	env.Room = "lobby"
	data, err := env.MarshalJSON()
	require.NoError(t, err)

	decoded, errs, format := ParseWire(data)
	require.NotNil(t, decoded)
	assert.True(t, errs.Valid())
	assert.Equal(t, envelope.FormatJSON, format)
}

func TestParseWireDetectsBinary(t *testing.T) {
	env := envelope.New(envelope.TypeMessage)
	env.Room = "lobby"
	data, err := env.MarshalBinary()
	require.NoError(t, err)

	decoded, errs, format := ParseWire(data)
	require.NotNil(t, decoded)
	assert.True(t, errs.Valid())
	assert.Equal(t, envelope.FormatBinary, format)
}
