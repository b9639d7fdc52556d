// Package auth authenticates request envelopes signed with an Ethereum
// account key and guards against signature replay.
package auth

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrBadSignature covers malformed signatures and failed key recovery.
	ErrBadSignature = errors.New("bad signature")

	// ErrStaleOrFuture is returned when the envelope timestamp falls outside
	// the configured skew window.
	ErrStaleOrFuture = errors.New("timestamp outside skew window")
)

// Envelope is the signed view of one request. PathAndQuery must include the
// query string when present; Body is the raw request body.
type Envelope struct {
	Method       string
	PathAndQuery string
	Timestamp    int64
	Body         []byte
}

// CanonicalMessage renders the envelope into the exact byte sequence both
// sides sign. The field order and the single-newline separator are normative;
// client and server must agree byte for byte.
func CanonicalMessage(e Envelope) []byte {
	var buf bytes.Buffer
	buf.WriteString(e.Method)
	buf.WriteByte('\n')
	buf.WriteString(e.PathAndQuery)
	buf.WriteByte('\n')
	buf.WriteString(strconv.FormatInt(e.Timestamp, 10))
	buf.WriteByte('\n')
	buf.Write(e.Body)
	return buf.Bytes()
}

// Recover validates the envelope timestamp against now±window, then recovers
// the signing address from the 65-byte signature over the canonical message
// hashed with the Ethereum personal-sign prefix.
//
// A timestamp exactly at the window boundary is accepted.
func Recover(e Envelope, sig []byte, now time.Time, window time.Duration) (common.Address, error) {
	skew := now.Unix() - e.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(window/time.Second) {
		return common.Address{}, ErrStaleOrFuture
	}

	if len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrBadSignature
	}
	// Wallets emit V as 27/28; ecrecover expects 0/1. Copy before normalising.
	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	hash := accounts.TextHash(CanonicalMessage(e))
	pub, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return common.Address{}, ErrBadSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignEnvelope produces the 65-byte signature clients attach in X-Signature.
// It is the inverse of Recover and exists so client implementations and tests
// share the canonical form.
func SignEnvelope(e Envelope, key *ecdsa.PrivateKey) ([]byte, error) {
	hash := accounts.TextHash(CanonicalMessage(e))
	return crypto.Sign(hash, key)
}
