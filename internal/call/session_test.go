package call

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionStampsStart(t *testing.T) {
	s := NewSession("call-1", "tenant-1", "agent-1", DirectionOutbound, "+15551234567", "peer-1")
	assert.Equal(t, StateInitiating, s.GetState())
	assert.False(t, s.StartAt.IsZero())
	assert.True(t, s.AnswerAt.IsZero())
}

func TestTransitionToStampsAnswerOnce(t *testing.T) {
	s := NewSession("call-1", "tenant-1", "agent-1", DirectionOutbound, "+15551234567", "peer-1")
	require.NoError(t, s.TransitionTo(StateRinging))
	require.NoError(t, s.TransitionTo(StateAnswered))
	first := s.AnswerAt
	assert.False(t, first.IsZero())

	require.NoError(t, s.TransitionTo(StateOnHold))
	require.NoError(t, s.TransitionTo(StateAnswered))
	assert.Equal(t, first, s.AnswerAt, "AnswerAt should only be stamped on first entry")
}

func TestTransitionToInvalid(t *testing.T) {
	s := NewSession("call-1", "tenant-1", "agent-1", DirectionOutbound, "+15551234567", "peer-1")
	assert.Error(t, s.TransitionTo(StateOnHold))
}

func TestEndIdempotent(t *testing.T) {
	s := NewSession("call-1", "tenant-1", "agent-1", DirectionOutbound, "+15551234567", "peer-1")
	require.NoError(t, s.TransitionTo(StateRinging))
	require.NoError(t, s.TransitionTo(StateAnswered))

	assert.True(t, s.End(StateEnded, ReasonHangup))
	assert.Equal(t, StateEnded, s.GetState())

	// second hangup is a no-op but still "succeeds"
	assert.False(t, s.End(StateEnded, ReasonHangup))
	assert.Equal(t, StateEnded, s.GetState())
}

func TestEndRoutesThroughEnding(t *testing.T) {
	s := NewSession("call-1", "tenant-1", "agent-1", DirectionOutbound, "+15551234567", "peer-1")
	require.NoError(t, s.TransitionTo(StateRinging))
	require.NoError(t, s.TransitionTo(StateAnswered))

	assert.True(t, s.End(StateEnded, ReasonHangup))
	assert.Equal(t, StateEnded, s.GetState())
}

func TestDurationZeroUnlessAnswered(t *testing.T) {
	s := NewSession("call-1", "tenant-1", "agent-1", DirectionOutbound, "+15551234567", "peer-1")
	require.NoError(t, s.TransitionTo(StateRinging))
	s.End(StateFailed, ReasonNoAnswer)
	assert.Equal(t, time.Duration(0), s.Duration())
}

func TestDurationAfterAnswered(t *testing.T) {
	s := NewSession("call-1", "tenant-1", "agent-1", DirectionOutbound, "+15551234567", "peer-1")
	require.NoError(t, s.TransitionTo(StateRinging))
	require.NoError(t, s.TransitionTo(StateAnswered))
	time.Sleep(2 * time.Millisecond)
	s.End(StateEnded, ReasonHangup)
	assert.Greater(t, s.Duration(), time.Duration(0))
}

func TestSetHoldAndMuteIndependent(t *testing.T) {
	s := NewSession("call-1", "tenant-1", "agent-1", DirectionOutbound, "+15551234567", "peer-1")
	s.SetMute(true)
	assert.True(t, s.Mute)
	assert.False(t, s.Hold)

	s.SetHold(true)
	assert.True(t, s.Hold)
	assert.True(t, s.Mute)
}

func TestToSnapshot(t *testing.T) {
	s := NewSession("call-1", "tenant-1", "agent-1", DirectionInbound, "+15551234567", "peer-1")
	s.BindSIPSession("sip-sess-1")
	snap := s.ToSnapshot()

	assert.Equal(t, "call-1", snap.ID)
	assert.Equal(t, "inbound", snap.Direction)
	assert.Equal(t, "initiating", snap.State)
	assert.Equal(t, "sip-sess-1", snap.SIPSessionID)
}
