package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sebas/gateway/internal/call"
	"github.com/sebas/gateway/internal/media"
	"github.com/sebas/gateway/internal/peer"
)

// fakeWorker/fakePool duplicate internal/peer's unexported test doubles;
// see that package's media_fakes_test.go and DESIGN.md's note on why this
// is re-written per package instead of shared.
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

type fakePool struct{ workers []*fakeWorker }

func (p *fakePool) NextWorker() (media.Worker, error) { return p.workers[0], nil }
func (p *fakePool) WorkerByID(id string) (media.Worker, error) {
	for _, w := range p.workers {
		if w.id == id {
			return w, nil
		}
	}
	return nil, errors.New("no such worker")
}

// decodeBody is a small JSON-decode helper; /health and /stats dereference
// s.workers, so those handlers are exercised in cmd/gateway's wiring
// rather than here, where nil keeps the rest of the suite simple.
func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHandleCapabilitiesReturnsRouterCaps(t *testing.T) {
	mediaRegistry := media.NewRegistry(&fakePool{workers: []*fakeWorker{{id: "w0"}}}, []string{"opus", "pcmu", "pcma"})
	callRegistry := call.NewRegistry(nil)
	defer callRegistry.Close()
	peers := peer.NewManager(mediaRegistry, nil)
	peers.SetCallRegistry(callRegistry)
	s := NewServer(http.NewServeMux(), "test", peers, callRegistry, mediaRegistry, nil)

	req := httptest.NewRequest(http.MethodGet, "/capabilities/tenant-a", nil)
	rec := httptest.NewRecorder()
	s.handleCapabilities(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	decodeBody(t, rec, &body)
	require.Equal(t, true, body["success"])
	require.NotNil(t, body["capabilities"])
}

func TestHandleCapabilitiesRequiresTenant(t *testing.T) {
	mediaRegistry := media.NewRegistry(&fakePool{workers: []*fakeWorker{{id: "w0"}}}, []string{"opus"})
	s := NewServer(http.NewServeMux(), "test", peer.NewManager(mediaRegistry, nil), call.NewRegistry(nil), mediaRegistry, nil)

	req := httptest.NewRequest(http.MethodGet, "/capabilities/", nil)
	rec := httptest.NewRecorder()
	s.handleCapabilities(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSessionsEmptyListIsNotNull(t *testing.T) {
	mediaRegistry := media.NewRegistry(&fakePool{workers: []*fakeWorker{{id: "w0"}}}, []string{"opus"})
	callRegistry := call.NewRegistry(nil)
	defer callRegistry.Close()
	s := NewServer(http.NewServeMux(), "test", peer.NewManager(mediaRegistry, nil), callRegistry, mediaRegistry, nil)

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	rec := httptest.NewRecorder()
	s.handleSessions(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	decodeBody(t, rec, &body)
	sessions, ok := body["sessions"].([]any)
	require.True(t, ok)
	require.Empty(t, sessions)
}

func TestHandleSessionByIDNotFound(t *testing.T) {
	mediaRegistry := media.NewRegistry(&fakePool{workers: []*fakeWorker{{id: "w0"}}}, []string{"opus"})
	callRegistry := call.NewRegistry(nil)
	defer callRegistry.Close()
	s := NewServer(http.NewServeMux(), "test", peer.NewManager(mediaRegistry, nil), callRegistry, mediaRegistry, nil)

	req := httptest.NewRequest(http.MethodGet, "/sessions/nope", nil)
	rec := httptest.NewRecorder()
	s.handleSessionByID(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSessionByIDFound(t *testing.T) {
	mediaRegistry := media.NewRegistry(&fakePool{workers: []*fakeWorker{{id: "w0"}}}, []string{"opus"})
	callRegistry := call.NewRegistry(nil)
	defer callRegistry.Close()
	s := NewServer(http.NewServeMux(), "test", peer.NewManager(mediaRegistry, nil), callRegistry, mediaRegistry, nil)

	session, err := callRegistry.Create("tenant-a", "agent-1", "peer-1", call.DirectionOutbound, "+15551234567")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/sessions/"+session.ID, nil)
	rec := httptest.NewRecorder()
	s.handleSessionByID(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleTerminateNotFound(t *testing.T) {
	mediaRegistry := media.NewRegistry(&fakePool{workers: []*fakeWorker{{id: "w0"}}}, []string{"opus"})
	callRegistry := call.NewRegistry(nil)
	defer callRegistry.Close()
	peers := peer.NewManager(mediaRegistry, nil)
	peers.SetCallRegistry(callRegistry)
	s := NewServer(http.NewServeMux(), "test", peers, callRegistry, mediaRegistry, nil)

	req := httptest.NewRequest(http.MethodPost, "/sessions/nope/terminate", nil)
	rec := httptest.NewRecorder()
	s.handleSessionByID(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleTerminateSucceeds(t *testing.T) {
	mediaRegistry := media.NewRegistry(&fakePool{workers: []*fakeWorker{{id: "w0"}}}, []string{"opus"})
	callRegistry := call.NewRegistry(nil)
	defer callRegistry.Close()
	peers := peer.NewManager(mediaRegistry, nil)
	peers.SetCallRegistry(callRegistry)
	s := NewServer(http.NewServeMux(), "test", peers, callRegistry, mediaRegistry, nil)

	session, err := callRegistry.Create("tenant-a", "agent-1", "peer-1", call.DirectionOutbound, "+15551234567")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/sessions/"+session.ID+"/terminate", nil)
	rec := httptest.NewRecorder()
	s.handleSessionByID(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decodeBody(t, rec, &body)
	require.Equal(t, true, body["terminated"])
}

func TestHandleStatsByAgentRequiresAgent(t *testing.T) {
	mediaRegistry := media.NewRegistry(&fakePool{workers: []*fakeWorker{{id: "w0"}}}, []string{"opus"})
	s := NewServer(http.NewServeMux(), "test", peer.NewManager(mediaRegistry, nil), call.NewRegistry(nil), mediaRegistry, nil)

	req := httptest.NewRequest(http.MethodGet, "/stats/agent/", nil)
	rec := httptest.NewRecorder()
	s.handleStatsByAgent(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleInfo(t *testing.T) {
	mediaRegistry := media.NewRegistry(&fakePool{workers: []*fakeWorker{{id: "w0"}}}, []string{"opus"})
	s := NewServer(http.NewServeMux(), "test-version", peer.NewManager(mediaRegistry, nil), call.NewRegistry(nil), mediaRegistry, nil)

	req := httptest.NewRequest(http.MethodGet, "/info", nil)
	rec := httptest.NewRecorder()
	s.handleInfo(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decodeBody(t, rec, &body)
	require.Equal(t, "test-version", body["version"])
}
