package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint digests method + logical path + canonicalized body so that
// the ledger contract is independent of incidental formatting differences
// between retries. A body that is not valid JSON is hashed as-is.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(CanonicalJSON(body))
	return hex.EncodeToString(h.Sum(nil))
}

// CanonicalJSON re-encodes a JSON document with stable key order and no
// insignificant whitespace. encoding/json sorts map keys on marshal, which
// is exactly the stability this needs. Non-JSON input is returned verbatim.
func CanonicalJSON(body []byte) []byte {
	if len(body) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return body
	}
	out, err := json.Marshal(v)
	if err != nil {
		return body
	}
	return out
}
