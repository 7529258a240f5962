// Package audit implements the tamper-evident, hash-chained audit log.
//
// Every event is linked to its predecessor: its hash is the SHA-256 digest
// of a canonical serialization that includes the previous event's hash, so
// modifying, reordering or removing any stored event breaks the chain from
// that point forward and is reported by VerifyIntegrity.
//
// Canonical form (the cross-implementation contract):
//
//	{"id":…,"timestamp":…,"domain":…,"sensitivity":…,
//	 "actor":{"type","id","name"?,"source"?,"sessionId"?},
//	 "payload":{"action","resourceType"?,"resourceId"?,"outcome","metadata"?,"error"?},
//	 "previousHash":…}
//
// Compact JSON, keys in exactly this order, optional fields omitted when
// empty, metadata keys sorted bytewise, no HTML escaping, timestamp in UTC
// as 2006-01-02T15:04:05.000Z. Retention, tags and the hash itself are not
// hashed.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// GenesisHash is the previous hash of the first event in every chain.
var GenesisHash = strings.Repeat("0", sha256.Size*2)

// TimestampLayout is the fixed-precision timestamp format used in the
// canonical form and in CSV exports.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// canonicalEvent fixes the field order of the hash input. Actor and Payload
// already declare their fields in canonical order.
type canonicalEvent struct {
	ID           string      `json:"id"`
	Timestamp    string      `json:"timestamp"`
	Domain       Domain      `json:"domain"`
	Sensitivity  Sensitivity `json:"sensitivity"`
	Actor        Actor       `json:"actor"`
	Payload      Payload     `json:"payload"`
	PreviousHash string      `json:"previousHash"`
}

// Canonicalize returns the canonical byte serialization of e. The Hash,
// Retention and Tags fields are ignored.
func Canonicalize(e *Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(canonicalEvent{
		ID:           e.ID,
		Timestamp:    e.Timestamp.UTC().Format(TimestampLayout),
		Domain:       e.Domain,
		Sensitivity:  e.Sensitivity,
		Actor:        e.Actor,
		Payload:      e.Payload,
		PreviousHash: e.PreviousHash,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: canonicalizing event %s: %v", ErrHashUnavailable, e.ID, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// ComputeHash returns the lowercase hex SHA-256 digest of canonical bytes.
func ComputeHash(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// HashEvent canonicalizes e and hashes the result.
func HashEvent(e *Event) (string, error) {
	b, err := Canonicalize(e)
	if err != nil {
		return "", err
	}
	return ComputeHash(b), nil
}

// verifyEvent reports whether e's stored hash matches its content, along
// with the recomputed hash.
func verifyEvent(e *Event) (bool, string, error) {
	expected, err := HashEvent(e)
	if err != nil {
		return false, "", err
	}
	return e.Hash == expected, expected, nil
}

// DecodeEvent parses a stored JSON event. Metadata numbers are decoded as
// json.Number so the canonical form re-encodes them byte-identically.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&e); err != nil {
		return Event{}, err
	}
	return e, nil
}
