package metering

import (
	"errors"
	"testing"
)

func TestCanonicalJSON(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if string(got) != `{"a":1,"b":2}` {
		t.Fatalf("got %s", got)
	}

	got, err = CanonicalJSON(map[string]any{"origin": "mulerun.com", "url": "https://x.test/?a=1&b=<2>"})
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if string(got) != `{"origin":"mulerun.com","url":"https://x.test/?a=1&b=<2>"}` {
		t.Fatalf("html must not be escaped, got %s", got)
	}
}

func TestCanonicalJSONKeepsLineSeparatorsRaw(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{"a": "x\u2028y", "b": []any{"\u2029"}})
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if string(got) != "{\"a\":\"x\u2028y\",\"b\":[\"\u2029\"]}" {
		t.Fatalf("got %q", got)
	}

	// A literal backslash before u2028 is data, not an escape.
	got, err = CanonicalJSON(map[string]any{"a": `x\u2028y`, "b": "q\"\n"})
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if string(got) != `{"a":"x\\u2028y","b":"q\"\n"}` {
		t.Fatalf("got %s", got)
	}

	const secret = "sk-test"
	sig := Sign(secret, []byte("{\"prompt\":\"line\u2028break\"}"))
	if err := Verify(secret, map[string]any{"prompt": "line\u2028break", "signature": sig}); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerify(t *testing.T) {
	const secret = "sk-test"
	sig := Sign(secret, []byte(`{"a":1,"b":2}`))

	params := map[string]any{"a": 1, "b": 2, "signature": sig}
	if err := Verify(secret, params); err != nil {
		t.Fatalf("expected valid signature: %v", err)
	}

	for i := 0; i < len(sig); i++ {
		mutated := []byte(sig)
		if mutated[i] == '0' {
			mutated[i] = '1'
		} else {
			mutated[i] = '0'
		}
		params["signature"] = string(mutated)
		if err := Verify(secret, params); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("mutation at byte %d verified", i)
		}
	}
}

func TestVerifyFailsClosed(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		params map[string]any
	}{
		{name: "missing signature", secret: "s", params: map[string]any{"a": 1}},
		{name: "non-string signature", secret: "s", params: map[string]any{"a": 1, "signature": 5}},
		{name: "empty secret", secret: "", params: map[string]any{"a": 1, "signature": "abc"}},
		{name: "wrong length", secret: "s", params: map[string]any{"a": 1, "signature": "ab"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Verify(tt.secret, tt.params); !errors.Is(err, ErrInvalidSignature) {
				t.Fatalf("expected ErrInvalidSignature, got %v", err)
			}
		})
	}
}

func TestSessionFromParams(t *testing.T) {
	const secret = "shared"
	params := map[string]string{
		"agentId":   "agent-1",
		"sessionId": "sess-1",
		"origin":    PartnerOrigin,
		"time":      "1700000000",
	}
	fields := map[string]any{}
	for k, v := range params {
		fields[k] = v
	}
	sig, err := SignParams(secret, fields)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	params["signature"] = sig

	session, err := SessionFromParams(secret, params)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if !session.IsMetered() || session.AgentID != "agent-1" || session.SessionID != "sess-1" {
		t.Fatalf("unexpected session: %+v", session)
	}

	params["origin"] = "evil.example"
	if _, err := SessionFromParams(secret, params); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected origin rejection, got %v", err)
	}
	params["origin"] = PartnerOrigin

	delete(params, "agentId")
	_, err = SessionFromParams(secret, params)
	var merr *MeteringError
	if !errors.As(err, &merr) || merr.Op != OpVerify {
		t.Fatalf("expected metering verify error, got %v", err)
	}
}

func TestNilSessionIsUnmetered(t *testing.T) {
	var s *Session
	if s.IsMetered() {
		t.Fatalf("nil session must be unmetered")
	}
	if (&Session{AgentID: "a", SessionID: "s"}).IsMetered() {
		t.Fatalf("session without the metered flag must be unmetered")
	}
}
