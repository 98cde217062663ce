package sip

import (
	"context"
	"fmt"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// DefaultRegisterExpiry is the Expires value a fresh REGISTER asks for
// when the agent's sip_config did not specify one.
const DefaultRegisterExpiry = 3600

// AgentConfig is the per-agent sip_config parameter to register_agent:
// everything needed to REGISTER and originate/receive calls as one
// extension on the upstream PBX.
type AgentConfig struct {
	Registrar   string // host[:port] of the upstream registrar/proxy
	AOR         string // e.g. "1001@pbx.example.com"
	Username    string
	Password    string
	DisplayName string
	Expiry      int
	Codecs      []string // preferred order, e.g. []string{"opus", "pcmu", "pcma"}
}

func (c AgentConfig) expiry() int {
	if c.Expiry > 0 {
		return c.Expiry
	}
	return DefaultRegisterExpiry
}

// agentUA is the gateway's per-agent SIP registration and dial state. One
// exists for every agent with an open register_agent call; it is not a
// transport of its own, it shares the Manager's sipgo.Client/UserAgent.
type agentUA struct {
	agentID  string
	tenantID string
	cfg      AgentConfig

	aorURI      sip.Uri
	registrarURI sip.Uri

	registered bool
	expiresAt  time.Time
	callID     string
	localTag   string
	cseq       uint32
}

func newAgentUA(agentID, tenantID string, cfg AgentConfig) (*agentUA, error) {
	var aor sip.Uri
	if err := sip.ParseUri("sip:"+cfg.AOR, &aor); err != nil {
		return nil, fmt.Errorf("sip: invalid AOR %q: %w", cfg.AOR, err)
	}
	var registrar sip.Uri
	if err := sip.ParseUri("sip:"+cfg.Registrar, &registrar); err != nil {
		return nil, fmt.Errorf("sip: invalid registrar %q: %w", cfg.Registrar, err)
	}

	return &agentUA{
		agentID:      agentID,
		tenantID:     tenantID,
		cfg:          cfg,
		aorURI:       aor,
		registrarURI: registrar,
		callID:       uuid.New().String(),
		localTag:     uuid.New().String()[:8],
	}, nil
}

// buildRegister constructs a REGISTER request. expires of 0 requests
// unregistration, matching unregister_agent's graceful teardown.
func (a *agentUA) buildRegister(localContact sip.Uri, expires int) *sip.Request {
	req := sip.NewRequest(sip.REGISTER, a.registrarURI)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", a.localTag)
	req.AppendHeader(&sip.FromHeader{
		DisplayName: a.cfg.DisplayName,
		Address:     a.aorURI,
		Params:      fromParams,
	})
	req.AppendHeader(&sip.ToHeader{
		DisplayName: a.cfg.DisplayName,
		Address:     a.aorURI,
		Params:      sip.NewParams(),
	})

	callIDHdr := sip.CallIDHeader(a.callID)
	req.AppendHeader(&callIDHdr)

	a.cseq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: a.cseq, MethodName: sip.REGISTER})
	req.AppendHeader(&sip.ContactHeader{Address: localContact})
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", expires)))

	return req
}

// register sends REGISTER, retrying once with digest credentials if
// challenged, and updates registration state on success.
func (a *agentUA) register(ctx context.Context, client *sipgo.Client, localContact sip.Uri, expires int) (*sip.Response, error) {
	req := a.buildRegister(localContact, expires)

	resp, err := sendAndWait(ctx, client, req)
	if err != nil {
		return nil, err
	}

	if needsAuth(resp) {
		header, value, aerr := authorize(resp, "REGISTER", a.registrarURI.String(), nil, Credentials{
			AOR:      a.cfg.AOR,
			Username: a.cfg.Username,
			Password: a.cfg.Password,
		})
		if aerr != nil {
			return resp, aerr
		}
		retry := a.buildRegister(localContact, expires)
		retry.AppendHeader(sip.NewHeader(header, value))
		resp, err = sendAndWait(ctx, client, retry)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode == sip.StatusOK {
		a.registered = expires > 0
		if expires > 0 {
			a.expiresAt = time.Now().Add(time.Duration(expires) * time.Second)
		}
	}
	return resp, nil
}

// sendAndWait sends req as a client transaction and blocks for its final
// response, the pattern every outbound SIP request in this package
// shares (REGISTER, INVITE, BYE, re-INVITE, INFO, REFER).
func sendAndWait(ctx context.Context, client *sipgo.Client, req *sip.Request) (*sip.Response, error) {
	tx, err := client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("sip: transaction request: %w", err)
	}
	defer tx.Terminate()

	for {
		select {
		case resp := <-tx.Responses():
			if resp == nil {
				return nil, fmt.Errorf("sip: transaction ended without response")
			}
			if resp.StatusCode < 200 {
				continue
			}
			return resp, nil
		case <-tx.Done():
			return nil, fmt.Errorf("sip: transaction done without response")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func generateCallID() string { return uuid.New().String() }
func generateTag() string    { return uuid.New().String()[:8] }
