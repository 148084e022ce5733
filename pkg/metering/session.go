package metering

import (
	"fmt"
)

// PartnerOrigin is the origin value the partner puts on session redirects.
const PartnerOrigin = "mulerun.com"

// Session identifies a metered partner session. A nil *Session means the
// request is unmetered.
type Session struct {
	AgentID   string `json:"agentId"`
	SessionID string `json:"sessionId"`
	Metered   bool   `json:"isMetered"`
}

// IsMetered reports whether usage must be reported for this session.
func (s *Session) IsMetered() bool {
	return s != nil && s.Metered && s.SessionID != "" && s.AgentID != ""
}

// SessionFromParams validates partner redirect parameters and returns the
// metered session they describe. Every failure is an ErrInvalidSignature
// wrapped in a *MeteringError.
func SessionFromParams(secret string, params map[string]string) (*Session, error) {
	for _, field := range []string{SignatureField, "sessionId", "agentId"} {
		if params[field] == "" {
			return nil, &MeteringError{Op: OpVerify, Err: fmt.Errorf("%w: missing %s", ErrInvalidSignature, field)}
		}
	}
	if params["origin"] != PartnerOrigin {
		return nil, &MeteringError{Op: OpVerify, Err: fmt.Errorf("%w: unexpected origin %q", ErrInvalidSignature, params["origin"])}
	}

	fields := make(map[string]any, len(params))
	for k, v := range params {
		fields[k] = v
	}
	if err := Verify(secret, fields); err != nil {
		return nil, &MeteringError{Op: OpVerify, Err: err}
	}

	return &Session{
		AgentID:   params["agentId"],
		SessionID: params["sessionId"],
		Metered:   true,
	}, nil
}
