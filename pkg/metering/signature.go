package metering

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// SignatureField is the parameter carrying the hex HMAC.
const SignatureField = "signature"

// CanonicalJSON serializes params as a JSON object with top-level keys in
// lexicographic order and no HTML escaping.
func CanonicalJSON(params map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSON(&buf, k); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := writeJSON(&buf, params[k]); err != nil {
			return nil, fmt.Errorf("encode %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeJSON(buf *bytes.Buffer, v any) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	buf.Write(unescapeLineSeparators(bytes.TrimRight(tmp.Bytes(), "\n")))
	return nil
}

// unescapeLineSeparators turns the \u2028 and \u2029 escapes written by
// encoding/json back into raw characters, which is what the partner's
// JSON.stringify signs. Other escapes are copied with the byte they escape.
func unescapeLineSeparators(b []byte) []byte {
	if !bytes.Contains(b, []byte(`\u202`)) {
		return b
	}
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != '\\' {
			out = append(out, b[i])
			continue
		}
		if i+5 < len(b) && b[i+1] == 'u' && string(b[i+2:i+5]) == "202" && (b[i+5] == '8' || b[i+5] == '9') {
			if b[i+5] == '8' {
				out = append(out, "\u2028"...)
			} else {
				out = append(out, "\u2029"...)
			}
			i += 5
			continue
		}
		out = append(out, b[i])
		if i+1 < len(b) {
			i++
			out = append(out, b[i])
		}
	}
	return out
}

// Sign returns hex(HMAC-SHA256(secret, canonical)).
func Sign(secret string, canonical []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignParams canonicalizes params and signs them.
func SignParams(secret string, params map[string]any) (string, error) {
	canonical, err := CanonicalJSON(params)
	if err != nil {
		return "", err
	}
	return Sign(secret, canonical), nil
}

// Verify checks the signature field of params against the remaining
// fields. It fails closed on a missing secret, signature or encoding error.
func Verify(secret string, params map[string]any) error {
	if secret == "" {
		return fmt.Errorf("%w: no shared secret configured", ErrInvalidSignature)
	}
	sig, ok := params[SignatureField].(string)
	if !ok || sig == "" {
		return fmt.Errorf("%w: missing signature", ErrInvalidSignature)
	}

	rest := make(map[string]any, len(params))
	for k, v := range params {
		if k != SignatureField {
			rest[k] = v
		}
	}
	expected, err := SignParams(secret, rest)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}
