package peer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/gateway/internal/call"
	"github.com/sebas/gateway/internal/gatewayerr"
)

func newTestManagerWithCalls() (*Manager, *call.Registry) {
	m := newTestManager()
	cr := call.NewRegistry(m.HandleCallEvent)
	m.SetCallRegistry(cr)
	return m, cr
}

func TestOwnedCallRejectsUnknownPeer(t *testing.T) {
	m, _ := newTestManagerWithCalls()
	_, _, err := m.ownedCall("no-such-peer", "call-1")
	require.Error(t, err)
	gerr := err.(*gatewayerr.Error)
	assert.Equal(t, gatewayerr.CodePeerNotFound, gerr.Code)
}

func TestOwnedCallRejectsUnknownCall(t *testing.T) {
	m, _ := newTestManagerWithCalls()
	m.AttachPeer("peer-1", "agent-1", "tenant-a", "user-1")

	_, _, err := m.ownedCall("peer-1", "no-such-call")
	require.Error(t, err)
	gerr := err.(*gatewayerr.Error)
	assert.Equal(t, gatewayerr.CodeCallNotFound, gerr.Code)
}

func TestOwnedCallRejectsCrossPeerAccess(t *testing.T) {
	m, cr := newTestManagerWithCalls()
	m.AttachPeer("peer-1", "agent-1", "tenant-a", "user-1")
	m.AttachPeer("peer-2", "agent-2", "tenant-a", "user-2")

	session, err := cr.Create("tenant-a", "agent-1", "peer-1", call.DirectionOutbound, "+15551230000")
	require.NoError(t, err)

	_, _, err = m.ownedCall("peer-2", session.ID)
	require.Error(t, err)
	gerr := err.(*gatewayerr.Error)
	assert.Equal(t, gatewayerr.CodeCallNotFound, gerr.Code)
}

func TestMuteIsLocalOnlyAndNeverTouchesSIP(t *testing.T) {
	m, cr := newTestManagerWithCalls()
	m.AttachPeer("peer-1", "agent-1", "tenant-a", "user-1")
	session, err := cr.Create("tenant-a", "agent-1", "peer-1", call.DirectionOutbound, "+15551230000")
	require.NoError(t, err)

	// m.sip is nil; Mute must not dereference it.
	require.NoError(t, m.Mute("peer-1", session.ID, true))
	assert.True(t, session.Mute)
}

func TestHangupWithNoSIPSessionSkipsSIPAndEndsCall(t *testing.T) {
	m, cr := newTestManagerWithCalls()
	m.AttachPeer("peer-1", "agent-1", "tenant-a", "user-1")
	session, err := cr.Create("tenant-a", "agent-1", "peer-1", call.DirectionOutbound, "+15551230000")
	require.NoError(t, err)

	require.NoError(t, m.Hangup(context.Background(), "peer-1", session.ID))
	assert.True(t, session.GetState().IsTerminal())
}

func TestHangupIsIdempotent(t *testing.T) {
	m, cr := newTestManagerWithCalls()
	m.AttachPeer("peer-1", "agent-1", "tenant-a", "user-1")
	session, err := cr.Create("tenant-a", "agent-1", "peer-1", call.DirectionOutbound, "+15551230000")
	require.NoError(t, err)

	require.NoError(t, m.Hangup(context.Background(), "peer-1", session.ID))
	require.NoError(t, m.Hangup(context.Background(), "peer-1", session.ID))
}

func TestAnswerWithNoSIPSessionReturnsNotEstablished(t *testing.T) {
	m, cr := newTestManagerWithCalls()
	m.AttachPeer("peer-1", "agent-1", "tenant-a", "user-1")
	session, err := cr.Create("tenant-a", "agent-1", "peer-1", call.DirectionInbound, "+15551230000")
	require.NoError(t, err)

	err = m.Answer(context.Background(), "peer-1", session.ID)
	require.Error(t, err)
	gerr := err.(*gatewayerr.Error)
	assert.Equal(t, gatewayerr.CodeNotEstablished, gerr.Code)
}

func TestHoldWithNoSIPSessionReturnsNotEstablished(t *testing.T) {
	m, cr := newTestManagerWithCalls()
	m.AttachPeer("peer-1", "agent-1", "tenant-a", "user-1")
	session, err := cr.Create("tenant-a", "agent-1", "peer-1", call.DirectionOutbound, "+15551230000")
	require.NoError(t, err)

	err = m.Hold(context.Background(), "peer-1", session.ID)
	require.Error(t, err)
	gerr := err.(*gatewayerr.Error)
	assert.Equal(t, gatewayerr.CodeNotEstablished, gerr.Code)
}

func TestDTMFWithNoSIPSessionReturnsNotEstablished(t *testing.T) {
	m, cr := newTestManagerWithCalls()
	m.AttachPeer("peer-1", "agent-1", "tenant-a", "user-1")
	session, err := cr.Create("tenant-a", "agent-1", "peer-1", call.DirectionOutbound, "+15551230000")
	require.NoError(t, err)

	err = m.DTMF(context.Background(), "peer-1", session.ID, '5', 100)
	require.Error(t, err)
	gerr := err.(*gatewayerr.Error)
	assert.Equal(t, gatewayerr.CodeNotEstablished, gerr.Code)
}

func TestTransferWithNoSIPSessionReturnsNotEstablished(t *testing.T) {
	m, cr := newTestManagerWithCalls()
	m.AttachPeer("peer-1", "agent-1", "tenant-a", "user-1")
	session, err := cr.Create("tenant-a", "agent-1", "peer-1", call.DirectionOutbound, "+15551230000")
	require.NoError(t, err)

	err = m.Transfer(context.Background(), "peer-1", session.ID, "+15559998888", TransferBlind)
	require.Error(t, err)
	gerr := err.(*gatewayerr.Error)
	assert.Equal(t, gatewayerr.CodeNotEstablished, gerr.Code)

	// The failed precondition check must happen before Transferring() is
	// entered, so the call is left exactly where it was.
	assert.Equal(t, call.StateInitiating, session.GetState())
}

func TestHandleCallEventTranslatesEndedWithReasonAndDuration(t *testing.T) {
	var got []Event
	m := NewManager(newTestMediaRegistry(), func(ev Event) { got = append(got, ev) })
	cr := call.NewRegistry(m.HandleCallEvent)
	m.SetCallRegistry(cr)

	m.AttachPeer("peer-1", "agent-1", "tenant-a", "user-1")
	session, err := cr.Create("tenant-a", "agent-1", "peer-1", call.DirectionOutbound, "+15551230000")
	require.NoError(t, err)

	require.NoError(t, cr.Hangup(session.ID))

	require.Len(t, got, 2) // peer-connected, call:ended
	ended := got[len(got)-1]
	assert.Equal(t, EventEnded, ended.Type)
	assert.Equal(t, string(call.ReasonHangup), ended.Reason)
	assert.Zero(t, ended.Duration, "a call hung up before it was answered has zero duration")
}

func TestHandleCallEventTranslatesFailedWithError(t *testing.T) {
	var got []Event
	m := NewManager(newTestMediaRegistry(), func(ev Event) { got = append(got, ev) })
	cr := call.NewRegistry(m.HandleCallEvent)
	m.SetCallRegistry(cr)

	m.AttachPeer("peer-1", "agent-1", "tenant-a", "user-1")
	session, err := cr.Create("tenant-a", "agent-1", "peer-1", call.DirectionOutbound, "+15551230000")
	require.NoError(t, err)

	require.NoError(t, cr.End(session.ID, call.StateFailed, call.ReasonMediaWorkerLost, "worker crashed"))

	failed := got[len(got)-1]
	assert.Equal(t, EventFailed, failed.Type)
	assert.Equal(t, "worker crashed", failed.Error)
}

func TestHandleMediaWorkerLostEndsCallAndDetachesPeer(t *testing.T) {
	m, cr := newTestManagerWithCalls()
	m.AttachPeer("peer-1", "agent-1", "tenant-a", "user-1")
	session, err := cr.Create("tenant-a", "agent-1", "peer-1", call.DirectionOutbound, "+15551230000")
	require.NoError(t, err)

	m.handleMediaWorkerLost("peer-1", "worker crashed")

	assert.Equal(t, call.StateFailed, session.GetState())
	_, err = m.getPeer("peer-1")
	assert.Error(t, err)
}
