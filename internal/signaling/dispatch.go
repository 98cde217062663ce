package signaling

import (
	"context"
	"encoding/json"

	"github.com/sebas/gateway/internal/gatewayerr"
	"github.com/sebas/gateway/internal/media"
	"github.com/sebas/gateway/internal/peer"
	"github.com/sebas/gateway/internal/phonenumber"
)

// handlerFunc implements one client-to-server RPC named in spec §6's
// request table, against peerID, given the request's raw JSON data.
type handlerFunc func(ctx context.Context, s *Server, peerID string, data json.RawMessage) (any, error)

// handlers maps every event name spec §6 lists under "Request events from
// client" to its implementation, plus the resume/pause-consumer pair spec
// §4.3 names as operations but the wire table omits (a client must call
// resume after it is ready to render, per the Consumer entity's
// created-paused policy).
var handlers = map[string]handlerFunc{
	"webrtc:get-router-capabilities": handleGetRouterCapabilities,
	"webrtc:create-transport":        handleCreateTransport,
	"webrtc:connect-transport":       handleConnectTransport,
	"webrtc:produce":                 handleProduce,
	"webrtc:consume":                 handleConsume,
	"webrtc:resume-consumer":         handleResumeConsumer,
	"webrtc:pause-consumer":          handlePauseConsumer,
	"call:dial":                      handleDial,
	"call:answer":                    handleAnswer,
	"call:hangup":                    handleHangup,
	"call:hold":                      handleHold,
	"call:unhold":                    handleUnhold,
	"call:mute":                      handleMute,
	"call:transfer":                  handleTransfer,
	"call:dtmf":                      handleDTMF,
}

func unmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return gatewayerr.Newf(gatewayerr.CodeInternal, "malformed request payload: %v", err)
	}
	return nil
}

func handleGetRouterCapabilities(ctx context.Context, s *Server, peerID string, data json.RawMessage) (any, error) {
	caps, err := s.peers.GetRouterCapabilities(peerID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"capabilities": caps}, nil
}

func handleCreateTransport(ctx context.Context, s *Server, peerID string, data json.RawMessage) (any, error) {
	var req struct {
		Direction media.Direction `json:"direction"`
	}
	if err := unmarshal(data, &req); err != nil {
		return nil, err
	}
	tr, err := s.peers.CreateTransport(peerID, req.Direction)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"transport_id":   tr.ID,
		"iceParameters":  tr.ICE,
		"iceCandidates":  []media.ICECandidate{},
		"dtlsParameters": tr.DTLS,
	}, nil
}

func handleConnectTransport(ctx context.Context, s *Server, peerID string, data json.RawMessage) (any, error) {
	var req struct {
		TransportID    string               `json:"transport_id"`
		DTLSParameters media.DTLSParameters `json:"dtlsParameters"`
	}
	if err := unmarshal(data, &req); err != nil {
		return nil, err
	}
	if err := s.peers.ConnectTransport(peerID, req.TransportID, req.DTLSParameters); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func handleProduce(ctx context.Context, s *Server, peerID string, data json.RawMessage) (any, error) {
	var req struct {
		TransportID string              `json:"transport_id"`
		Kind        media.Kind          `json:"kind"`
		RTP         media.RTPParameters `json:"rtp"`
	}
	if err := unmarshal(data, &req); err != nil {
		return nil, err
	}
	p, err := s.peers.Produce(peerID, req.TransportID, req.Kind, req.RTP)
	if err != nil {
		return nil, err
	}
	return map[string]any{"producer_id": p.ID}, nil
}

func handleConsume(ctx context.Context, s *Server, peerID string, data json.RawMessage) (any, error) {
	var req struct {
		TransportID     string                `json:"transport_id"`
		ProducerID      string                `json:"producer_id"`
		RTPCapabilities media.RTPCapabilities `json:"rtp_capabilities"`
	}
	if err := unmarshal(data, &req); err != nil {
		return nil, err
	}
	c, err := s.peers.Consume(peerID, req.TransportID, req.ProducerID, req.RTPCapabilities)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"consumer_id":    c.ID,
		"producer_id":    c.ProducerID,
		"kind":           c.Kind,
		"rtp_parameters": c.Params,
	}, nil
}

func handleResumeConsumer(ctx context.Context, s *Server, peerID string, data json.RawMessage) (any, error) {
	var req struct {
		ConsumerID string `json:"consumer_id"`
	}
	if err := unmarshal(data, &req); err != nil {
		return nil, err
	}
	if err := s.peers.ResumeConsumer(peerID, req.ConsumerID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func handlePauseConsumer(ctx context.Context, s *Server, peerID string, data json.RawMessage) (any, error) {
	var req struct {
		ConsumerID string `json:"consumer_id"`
	}
	if err := unmarshal(data, &req); err != nil {
		return nil, err
	}
	if err := s.peers.PauseConsumer(peerID, req.ConsumerID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func handleDial(ctx context.Context, s *Server, peerID string, data json.RawMessage) (any, error) {
	var req struct {
		Phone      string `json:"phone"`
		LeadID     string `json:"lead_id"`
		CampaignID string `json:"campaign_id"`
	}
	if err := unmarshal(data, &req); err != nil {
		return nil, err
	}
	normalized, ok := phonenumber.Normalize(req.Phone)
	if !ok {
		return nil, gatewayerr.New(gatewayerr.CodeInvalidPhoneNumber, "phone number is not valid E.164")
	}
	callID, err := s.peers.Dial(ctx, peerID, normalized, req.LeadID, req.CampaignID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"call_id": callID}, nil
}

func handleAnswer(ctx context.Context, s *Server, peerID string, data json.RawMessage) (any, error) {
	var req struct {
		CallID string `json:"call_id"`
	}
	if err := unmarshal(data, &req); err != nil {
		return nil, err
	}
	if err := s.peers.Answer(ctx, peerID, req.CallID); err != nil {
		return nil, err
	}
	return map[string]any{"call_id": req.CallID}, nil
}

func handleHangup(ctx context.Context, s *Server, peerID string, data json.RawMessage) (any, error) {
	var req struct {
		CallID string `json:"call_id"`
	}
	if err := unmarshal(data, &req); err != nil {
		return nil, err
	}
	if err := s.peers.Hangup(ctx, peerID, req.CallID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func handleHold(ctx context.Context, s *Server, peerID string, data json.RawMessage) (any, error) {
	var req struct {
		CallID string `json:"call_id"`
	}
	if err := unmarshal(data, &req); err != nil {
		return nil, err
	}
	if err := s.peers.Hold(ctx, peerID, req.CallID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func handleUnhold(ctx context.Context, s *Server, peerID string, data json.RawMessage) (any, error) {
	var req struct {
		CallID string `json:"call_id"`
	}
	if err := unmarshal(data, &req); err != nil {
		return nil, err
	}
	if err := s.peers.Unhold(ctx, peerID, req.CallID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func handleMute(ctx context.Context, s *Server, peerID string, data json.RawMessage) (any, error) {
	var req struct {
		CallID string `json:"call_id"`
		Muted  bool   `json:"muted"`
	}
	if err := unmarshal(data, &req); err != nil {
		return nil, err
	}
	if err := s.peers.Mute(peerID, req.CallID, req.Muted); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func handleTransfer(ctx context.Context, s *Server, peerID string, data json.RawMessage) (any, error) {
	var req struct {
		CallID string `json:"call_id"`
		Target string `json:"target"`
		Type   string `json:"type"`
	}
	if err := unmarshal(data, &req); err != nil {
		return nil, err
	}
	kind := peer.TransferKind(req.Type)
	switch kind {
	case peer.TransferWarm, peer.TransferCold, peer.TransferBlind:
	default:
		return nil, gatewayerr.Newf(gatewayerr.CodeInternal, "unknown transfer type %q", req.Type)
	}
	if err := s.peers.Transfer(ctx, peerID, req.CallID, req.Target, kind); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func handleDTMF(ctx context.Context, s *Server, peerID string, data json.RawMessage) (any, error) {
	var req struct {
		CallID   string `json:"call_id"`
		Tone     string `json:"tone"`
		Duration int    `json:"duration"`
	}
	if err := unmarshal(data, &req); err != nil {
		return nil, err
	}
	if len(req.Tone) != 1 {
		return nil, gatewayerr.New(gatewayerr.CodeInternal, "tone must be a single DTMF character")
	}
	if err := s.peers.DTMF(ctx, peerID, req.CallID, rune(req.Tone[0]), req.Duration); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}
