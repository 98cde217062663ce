package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/gateway/internal/gatewayerr"
)

func TestRegistryCreateAndBusyRejection(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	s1, err := r.Create("tenant-1", "agent-1", "peer-1", DirectionOutbound, "+15551234567")
	require.NoError(t, err)
	require.NotNil(t, s1)

	_, err = r.Create("tenant-1", "agent-1", "peer-1", DirectionOutbound, "+15557654321")
	require.Error(t, err)
	gwErr, ok := err.(*gatewayerr.Error)
	require.True(t, ok)
	assert.Equal(t, gatewayerr.CodeBusy, gwErr.Code)
}

func TestRegistryCreateAllowedAfterHangup(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	s1, err := r.Create("tenant-1", "agent-1", "peer-1", DirectionOutbound, "+15551234567")
	require.NoError(t, err)
	require.NoError(t, r.Hangup(s1.ID))

	s2, err := r.Create("tenant-1", "agent-1", "peer-1", DirectionOutbound, "+15557654321")
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID, s2.ID)
}

func TestRegistryCreateIncomingEmitsIncoming(t *testing.T) {
	var events []Event
	r := NewRegistry(func(ev Event) { events = append(events, ev) })
	defer r.Close()

	s, err := r.CreateIncoming("tenant-1", "agent-1", "peer-1", "+15551234567", "caller-id-1", "queue-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventIncoming, events[0].Type)
	assert.Equal(t, s.ID, events[0].CallID)
	assert.Equal(t, "caller-id-1", events[0].CallerID)
	assert.Equal(t, "queue-1", events[0].QueueID)
}

func TestRegistryGetAndForPeer(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	s, err := r.Create("tenant-1", "agent-1", "peer-1", DirectionOutbound, "+15551234567")
	require.NoError(t, err)

	got, ok := r.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, s.ID, got.ID)

	forPeer, ok := r.ForPeer("peer-1")
	require.True(t, ok)
	assert.Equal(t, s.ID, forPeer.ID)

	_, ok = r.ForPeer("no-such-peer")
	assert.False(t, ok)
}

func TestRegistryForPeerFalseAfterTerminal(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	s, err := r.Create("tenant-1", "agent-1", "peer-1", DirectionOutbound, "+15551234567")
	require.NoError(t, err)
	require.NoError(t, r.Hangup(s.ID))

	_, ok := r.ForPeer("peer-1")
	assert.False(t, ok)
}

func TestRegistryAllFiltersByAgentAndTenant(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	_, err := r.Create("tenant-1", "agent-1", "peer-1", DirectionOutbound, "+15551234567")
	require.NoError(t, err)
	_, err = r.Create("tenant-2", "agent-2", "peer-2", DirectionOutbound, "+15557654321")
	require.NoError(t, err)

	all := r.All("", "")
	assert.Len(t, all, 2)

	byAgent := r.All("agent-1", "")
	require.Len(t, byAgent, 1)
	assert.Equal(t, "agent-1", byAgent[0].AgentID)

	byTenant := r.All("", "tenant-2")
	require.Len(t, byTenant, 1)
	assert.Equal(t, "tenant-2", byTenant[0].TenantID)
}

func TestRegistryRingAnswerEmitsEvents(t *testing.T) {
	var events []Event
	r := NewRegistry(func(ev Event) { events = append(events, ev) })
	defer r.Close()

	s, err := r.Create("tenant-1", "agent-1", "peer-1", DirectionOutbound, "+15551234567")
	require.NoError(t, err)

	require.NoError(t, r.Ring(s.ID))
	require.NoError(t, r.Answer(s.ID))

	require.Len(t, events, 2)
	assert.Equal(t, EventRinging, events[0].Type)
	assert.Equal(t, EventAnswered, events[1].Type)
	assert.Equal(t, StateAnswered, s.GetState())
}

func TestRegistryRingUnknownCall(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	err := r.Ring("no-such-call")
	require.Error(t, err)
	gwErr, ok := err.(*gatewayerr.Error)
	require.True(t, ok)
	assert.Equal(t, gatewayerr.CodeCallNotFound, gwErr.Code)
}

func TestRegistryHoldAndUnhold(t *testing.T) {
	var events []Event
	r := NewRegistry(func(ev Event) { events = append(events, ev) })
	defer r.Close()

	s, err := r.Create("tenant-1", "agent-1", "peer-1", DirectionOutbound, "+15551234567")
	require.NoError(t, err)
	require.NoError(t, r.Ring(s.ID))
	require.NoError(t, r.Answer(s.ID))

	require.NoError(t, r.Hold(s.ID, true))
	assert.Equal(t, StateOnHold, s.GetState())
	assert.True(t, s.Hold)

	require.NoError(t, r.Hold(s.ID, false))
	assert.Equal(t, StateAnswered, s.GetState())
	assert.False(t, s.Hold)

	last := events[len(events)-1]
	assert.Equal(t, EventHeld, last.Type)
	assert.False(t, last.IsOnHold)
}

func TestRegistryHoldRejectedBeforeAnswered(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	s, err := r.Create("tenant-1", "agent-1", "peer-1", DirectionOutbound, "+15551234567")
	require.NoError(t, err)

	err = r.Hold(s.ID, true)
	require.Error(t, err)
	gwErr, ok := err.(*gatewayerr.Error)
	require.True(t, ok)
	assert.Equal(t, gatewayerr.CodeNotEstablished, gwErr.Code)
}

func TestRegistryMuteAlwaysEmits(t *testing.T) {
	var events []Event
	r := NewRegistry(func(ev Event) { events = append(events, ev) })
	defer r.Close()

	s, err := r.Create("tenant-1", "agent-1", "peer-1", DirectionOutbound, "+15551234567")
	require.NoError(t, err)

	require.NoError(t, r.Mute(s.ID, true))
	require.NoError(t, r.Mute(s.ID, true))

	require.Len(t, events, 2)
	assert.Equal(t, EventMuted, events[0].Type)
	assert.Equal(t, EventMuted, events[1].Type)
	assert.True(t, s.Mute)
}

func TestRegistryTransferringAndTransferred(t *testing.T) {
	var events []Event
	r := NewRegistry(func(ev Event) { events = append(events, ev) })
	defer r.Close()

	s, err := r.Create("tenant-1", "agent-1", "peer-1", DirectionOutbound, "+15551234567")
	require.NoError(t, err)
	require.NoError(t, r.Ring(s.ID))
	require.NoError(t, r.Answer(s.ID))

	require.NoError(t, r.Transferring(s.ID))
	assert.Equal(t, StateTransferring, s.GetState())

	require.NoError(t, r.Transferred(s.ID, "+15559998888"))
	assert.Equal(t, StateAnswered, s.GetState())

	last := events[len(events)-1]
	assert.Equal(t, EventTransferred, last.Type)
	assert.Equal(t, "+15559998888", last.Target)
}

func TestRegistryHangupIdempotent(t *testing.T) {
	var events []Event
	r := NewRegistry(func(ev Event) { events = append(events, ev) })
	defer r.Close()

	s, err := r.Create("tenant-1", "agent-1", "peer-1", DirectionOutbound, "+15551234567")
	require.NoError(t, err)
	require.NoError(t, r.Ring(s.ID))
	require.NoError(t, r.Answer(s.ID))

	require.NoError(t, r.Hangup(s.ID))
	require.NoError(t, r.Hangup(s.ID))

	endedEvents := 0
	for _, ev := range events {
		if ev.Type == EventEnded {
			endedEvents++
		}
	}
	assert.Equal(t, 1, endedEvents, "second hangup must be a no-op, not re-emit call:ended")
}

func TestRegistryEndFailedEmitsFailedWithError(t *testing.T) {
	var events []Event
	r := NewRegistry(func(ev Event) { events = append(events, ev) })
	defer r.Close()

	s, err := r.Create("tenant-1", "agent-1", "peer-1", DirectionOutbound, "+15551234567")
	require.NoError(t, err)

	require.NoError(t, r.End(s.ID, StateFailed, ReasonMediaWorkerLost, "worker crashed"))

	require.Len(t, events, 1)
	assert.Equal(t, EventFailed, events[0].Type)
	assert.Equal(t, ReasonMediaWorkerLost, events[0].Reason)
	assert.Equal(t, "worker crashed", events[0].Error)
}

func TestRegistryEndUnknownCall(t *testing.T) {
	r := NewRegistry(nil)
	defer r.Close()

	err := r.End("no-such-call", StateEnded, ReasonHangup, "")
	require.Error(t, err)
	gwErr, ok := err.(*gatewayerr.Error)
	require.True(t, ok)
	assert.Equal(t, gatewayerr.CodeCallNotFound, gwErr.Code)
}
