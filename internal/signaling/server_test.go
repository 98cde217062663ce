package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/sebas/gateway/internal/gatewayerr"
	"github.com/sebas/gateway/internal/media"
	"github.com/sebas/gateway/internal/peer"
)

// fakeWorker/fakePool duplicate internal/peer's own unexported test doubles
// (media_fakes_test.go) since Go test helpers aren't importable across
// package boundaries; see DESIGN.md's note on this for internal/peer.
type fakeWorker struct{ id string }

func (w *fakeWorker) ID() string { return w.id }

func (w *fakeWorker) CreateTransport(routerID string, direction media.Direction) (media.ICEParameters, media.DTLSParameters, error) {
	return media.ICEParameters{UsernameFragment: "ufrag", Password: "pwd"},
		media.DTLSParameters{Role: "auto", Fingerprints: []media.DTLSFingerprint{{Algorithm: "sha-256", Value: "aa:bb"}}}, nil
}

func (w *fakeWorker) ConnectTransport(transportID string, dtls media.DTLSParameters) error { return nil }

func (w *fakeWorker) Produce(transportID string, kind media.Kind, params media.RTPParameters) error {
	return nil
}

func (w *fakeWorker) Consume(transportID, producerID, consumerID string, caps media.RTPCapabilities) (media.RTPParameters, error) {
	return media.RTPParameters{Kind: media.KindAudio, MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, SSRC: 1}, nil
}

func (w *fakeWorker) ResumeConsumer(consumerID string) error  { return nil }
func (w *fakeWorker) PauseConsumer(consumerID string) error   { return nil }
func (w *fakeWorker) CloseTransport(transportID string) error { return nil }

type fakePool struct {
	workers []*fakeWorker
	next    int
}

func (p *fakePool) NextWorker() (media.Worker, error) {
	w := p.workers[p.next%len(p.workers)]
	p.next++
	return w, nil
}

func (p *fakePool) WorkerByID(id string) (media.Worker, error) {
	for _, w := range p.workers {
		if w.id == id {
			return w, nil
		}
	}
	return nil, errors.New("no such worker")
}

func newTestServer(t *testing.T, auth Authenticator) (*Server, *httptest.Server) {
	t.Helper()
	registry := media.NewRegistry(&fakePool{workers: []*fakeWorker{{id: "w0"}}}, []string{"opus", "pcmu", "pcma"})
	mgr := peer.NewManager(registry, nil)

	mux := http.NewServeMux()
	s := NewServer(mux, auth, nil)
	s.SetPeerManager(mgr)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server, auth authRequest) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(auth))

	var connected ServerMessage
	require.NoError(t, ws.ReadJSON(&connected))
	require.Equal(t, "connected", connected.Event)
	return ws
}

func allowAll() Authenticator {
	return AuthenticatorFunc(func(ctx context.Context, token, agentID, tenantID, userID string) error {
		return nil
	})
}

func TestHandshakeSucceedsAndEmitsConnected(t *testing.T) {
	_, ts := newTestServer(t, allowAll())
	ws := dial(t, ts, authRequest{Token: "tok", AgentID: "agent-1", TenantID: "tenant-a", UserID: "user-1"})
	defer ws.Close()
}

func TestHandshakeRejectsMissingCredentials(t *testing.T) {
	_, ts := newTestServer(t, allowAll())
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(authRequest{Token: "", AgentID: "a", TenantID: "t", UserID: "u"}))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, "missing-credentials", closeErr.Text)
}

func TestHandshakeRejectsAuthFailure(t *testing.T) {
	denyAll := AuthenticatorFunc(func(ctx context.Context, token, agentID, tenantID, userID string) error {
		return errors.New("nope")
	})
	_, ts := newTestServer(t, denyAll)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(authRequest{Token: "bad", AgentID: "a", TenantID: "t", UserID: "u"}))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, "auth-failed", closeErr.Text)
}

func TestGetRouterCapabilitiesRoundTrip(t *testing.T) {
	_, ts := newTestServer(t, allowAll())
	ws := dial(t, ts, authRequest{Token: "tok", AgentID: "agent-1", TenantID: "tenant-a", UserID: "user-1"})
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(ClientMessage{
		Event:         "webrtc:get-router-capabilities",
		CorrelationID: "c1",
	}))

	var reply ServerMessage
	require.NoError(t, ws.ReadJSON(&reply))
	require.Equal(t, "c1", reply.CorrelationID)
	require.Nil(t, reply.Error)
	require.NotNil(t, reply.Result)
}

func TestUnknownEventReturnsInternalError(t *testing.T) {
	_, ts := newTestServer(t, allowAll())
	ws := dial(t, ts, authRequest{Token: "tok", AgentID: "agent-1", TenantID: "tenant-a", UserID: "user-1"})
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(ClientMessage{Event: "nonsense", CorrelationID: "c2"}))

	var reply ServerMessage
	require.NoError(t, ws.ReadJSON(&reply))
	require.Equal(t, "c2", reply.CorrelationID)
	require.NotNil(t, reply.Error)
}

func TestCreateTransportThenConnectRoundTrip(t *testing.T) {
	_, ts := newTestServer(t, allowAll())
	ws := dial(t, ts, authRequest{Token: "tok", AgentID: "agent-1", TenantID: "tenant-a", UserID: "user-1"})
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(ClientMessage{
		Event:         "webrtc:create-transport",
		Data:          []byte(`{"direction":"send"}`),
		CorrelationID: "c3",
	}))
	var reply ServerMessage
	require.NoError(t, ws.ReadJSON(&reply))
	require.Nil(t, reply.Error)

	result, ok := reply.Result.(map[string]any)
	require.True(t, ok)
	transportID, ok := result["transport_id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, transportID)
}

// TestFatalRPCErrorClosesConnection codifies spec §7's "Infrastructure
// failures ... terminate the peer with a typed reason": a handler error
// carrying a fatal gatewayerr.Code must close the socket and drop the Peer
// Manager's peer, not merely ride back as an ordinary per-RPC reply.
func TestFatalRPCErrorClosesConnection(t *testing.T) {
	handlers["test:fatal"] = func(ctx context.Context, s *Server, peerID string, data json.RawMessage) (any, error) {
		return nil, gatewayerr.New(gatewayerr.CodeAuthFailed, "simulated fatal failure")
	}
	defer delete(handlers, "test:fatal")

	s, ts := newTestServer(t, allowAll())
	ws := dial(t, ts, authRequest{Token: "tok", AgentID: "agent-1", TenantID: "tenant-a", UserID: "user-1"})
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(ClientMessage{Event: "test:fatal", CorrelationID: "c4"}))

	var reply ServerMessage
	require.NoError(t, ws.ReadJSON(&reply))
	require.Equal(t, "c4", reply.CorrelationID)
	require.NotNil(t, reply.Error)
	errMap, ok := reply.Error.(map[string]any)
	require.True(t, ok)
	require.Equal(t, string(gatewayerr.CodeAuthFailed), errMap["code"])

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	require.Error(t, err, "fatal error must close the connection, not just reply")

	require.Eventually(t, func() bool {
		return s.PeerCount() == 0
	}, 2*time.Second, 10*time.Millisecond, "fatal error must drop the peer")
}
