package cron

import (
	"testing"
	"time"

	"github.com/arqonbus/bus/internal/command"
	"github.com/arqonbus/bus/internal/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturingPublisher struct {
	published []*envelope.Envelope
	done      chan struct{}
}

func newCapturingPublisher() *capturingPublisher {
	return &capturingPublisher{done: make(chan struct{}, 10)}
}

func (p *capturingPublisher) Publish(env *envelope.Envelope) {
	p.published = append(p.published, env)
	p.done <- struct{}{}
}

func TestScheduleFiresAfterDelayWithJobIDMetadata(t *testing.T) {
	pub := newCapturingPublisher()
	s := New(pub)

	job, err := s.Schedule("tenant-a", "lobby", "general", map[string]any{"body": "reminder"}, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "cron_1", job.ID)

	select {
	case <-pub.done:
	case <-time.After(time.Second):
		t.Fatal("job never fired")
	}

	require.Len(t, pub.published, 1)
	fired := pub.published[0]
	assert.Equal(t, "lobby", fired.Room)
	assert.Equal(t, job.ID, fired.Metadata.Extra["cron_job_id"])
}

func TestScheduleRejectsNegativeDelay(t *testing.T) {
	s := New(newCapturingPublisher())
	_, err := s.Schedule("tenant-a", "lobby", "general", nil, -time.Second)
	assert.Error(t, err)
}

func TestCancelStopsPendingJob(t *testing.T) {
	pub := newCapturingPublisher()
	s := New(pub)
	job, err := s.Schedule("tenant-a", "lobby", "general", nil, time.Hour)
	require.NoError(t, err)

	cancelled := s.Cancel("tenant-a", job.ID)
	assert.True(t, cancelled)
	assert.Empty(t, s.Pending("tenant-a"))
}

func TestCancelWrongTenantFails(t *testing.T) {
	pub := newCapturingPublisher()
	s := New(pub)
	job, err := s.Schedule("tenant-a", "lobby", "general", nil, time.Hour)
	require.NoError(t, err)

	cancelled := s.Cancel("tenant-b", job.ID)
	assert.False(t, cancelled)
}

type fakeCaller struct{}

func (fakeCaller) HasCapability(capability string) bool { return true }

func TestRegisterHandlersScheduleAndCancel(t *testing.T) {
	pub := newCapturingPublisher()
	s := New(pub)
	cmdRegistry := command.NewRegistry()
	RegisterHandlers(cmdRegistry, s)

	scheduleEnv := envelope.New(envelope.TypeCommand)
	scheduleEnv.Command = "op.cron.schedule"
	scheduleEnv.Args = map[string]any{"room": "lobby", "channel": "general", "delay_seconds": float64(3600)}
	resp := cmdRegistry.Dispatch(command.Context{TenantID: "tenant-a", Caller: fakeCaller{}}, scheduleEnv)
	require.Equal(t, "success", resp.Status)
	jobID := resp.Payload["job_id"].(string)

	cancelEnv := envelope.New(envelope.TypeCommand)
	cancelEnv.Command = "op.cron.cancel"
	cancelEnv.Args = map[string]any{"job_id": jobID}
	resp = cmdRegistry.Dispatch(command.Context{TenantID: "tenant-a", Caller: fakeCaller{}}, cancelEnv)
	assert.Equal(t, true, resp.Payload["cancelled"])
}
