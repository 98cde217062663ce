package sip

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// Status codes sipgo's sip package does not predefine, following the
// StatusIntervalTooBrief convention in internal/signaling/registration.
const (
	statusUnauthorized      sip.StatusCode = 401
	statusProxyAuthRequired sip.StatusCode = 407
)

// Credentials are the per-agent SIP authentication parameters carried in
// the sip_config passed to register_agent: the AOR the agent registers
// as, and the username/password the upstream PBX challenges with digest
// auth on REGISTER and INVITE.
type Credentials struct {
	AOR      string
	Username string
	Password string
}

// authorize computes an Authorization (or Proxy-Authorization) header
// value answering the 401/407 challenge in resp for the given request
// method and request-URI, using creds. It returns the header name to set
// and its value.
func authorize(resp *sip.Response, method, uri string, body []byte, creds Credentials) (header string, value string, err error) {
	var challengeHeader string
	var headerName string
	if h := resp.GetHeader("WWW-Authenticate"); h != nil {
		challengeHeader = h.Value()
		headerName = "Authorization"
	} else if h := resp.GetHeader("Proxy-Authenticate"); h != nil {
		challengeHeader = h.Value()
		headerName = "Proxy-Authorization"
	} else {
		return "", "", fmt.Errorf("sip: %d response carries no auth challenge", resp.StatusCode)
	}

	chal, err := digest.ParseChallenge(challengeHeader)
	if err != nil {
		return "", "", fmt.Errorf("sip: parsing digest challenge: %w", err)
	}

	cred, err := chal.Answer(creds.Username, creds.Password, method, uri, body)
	if err != nil {
		return "", "", fmt.Errorf("sip: computing digest answer: %w", err)
	}

	return headerName, cred.String(), nil
}

// needsAuth reports whether resp is a digest challenge this package should
// retry against.
func needsAuth(resp *sip.Response) bool {
	return resp != nil && (resp.StatusCode == statusUnauthorized || resp.StatusCode == statusProxyAuthRequired)
}
