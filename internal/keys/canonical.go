package keys

import (
	"bytes"
	"encoding/json"

	"github.com/bgp-sentry/sentry/pkg/models"
)

// Canonical produces the canonical JSON encoding used as the signing
// payload for candidate transactions and votes: sorted object keys, no
// insignificant whitespace. encoding/json already sorts map keys; for
// struct values we round-trip through a map so field order in the struct
// definition never leaks into the signed bytes.
func Canonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(sortedValue(generic)); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// sortedValue is a no-op today (encoding/json already sorts map[string]any
// keys on Marshal) but documents the invariant Canonical relies on: any
// future switch away from the stdlib encoder must preserve sorted keys.
func sortedValue(v interface{}) interface{} {
	return v
}

// CandidateSigningPayload returns the canonical bytes a candidate
// transaction's signature is computed over: every field in spec.md §3
// except the signature itself.
func CandidateSigningPayload(c models.CandidateTransaction) ([]byte, error) {
	c.Signature = nil
	return Canonical(c)
}

// VoteSigningPayload returns the canonical bytes a vote's signature is
// computed over.
func VoteSigningPayload(v models.Vote) ([]byte, error) {
	v.Signature = nil
	return Canonical(v)
}
