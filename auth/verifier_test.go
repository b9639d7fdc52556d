package auth

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

const window = 60 * time.Second

func testEnvelope(ts int64) Envelope {
	return Envelope{
		Method:       "POST",
		PathAndQuery: "/relay",
		Timestamp:    ts,
		Body:         []byte(`{"jsonrpc":"2.0","method":"eth_blockNumber","id":1}`),
	}
}

func TestRecoverRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	want := crypto.PubkeyToAddress(key.PublicKey)

	now := time.Unix(1700000000, 0)
	env := testEnvelope(now.Unix())

	sig, err := SignEnvelope(env, key)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	got, err := Recover(env, sig, now, window)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestRecoverAcceptsLegacyV(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)
	env := testEnvelope(now.Unix())

	sig, err := SignEnvelope(env, key)
	require.NoError(t, err)
	sig[64] += 27 // wallets report V as 27/28

	got, err := Recover(env, sig, now, window)
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), got)
}

func TestRecoverTamperedBody(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)
	env := testEnvelope(now.Unix())

	sig, err := SignEnvelope(env, key)
	require.NoError(t, err)

	env.Body = []byte(`{"jsonrpc":"2.0","method":"eth_sendRawTransaction","id":1}`)
	got, err := Recover(env, sig, now, window)
	if err == nil {
		// Recovery can still succeed on a tampered message, but it must not
		// yield the signer's address.
		require.NotEqual(t, crypto.PubkeyToAddress(key.PublicKey), got)
	}
}

func TestRecoverSkewBoundary(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)

	// Exactly at the window: accepted.
	env := testEnvelope(now.Unix() - int64(window/time.Second))
	sig, err := SignEnvelope(env, key)
	require.NoError(t, err)
	_, err = Recover(env, sig, now, window)
	require.NoError(t, err)

	// One second past: rejected, in both directions.
	for _, ts := range []int64{
		now.Unix() - int64(window/time.Second) - 1,
		now.Unix() + int64(window/time.Second) + 1,
	} {
		env := testEnvelope(ts)
		sig, err := SignEnvelope(env, key)
		require.NoError(t, err)
		_, err = Recover(env, sig, now, window)
		require.ErrorIs(t, err, ErrStaleOrFuture)
	}
}

func TestRecoverMalformedSignature(t *testing.T) {
	now := time.Unix(1700000000, 0)
	env := testEnvelope(now.Unix())

	_, err := Recover(env, []byte{0x01, 0x02}, now, window)
	require.ErrorIs(t, err, ErrBadSignature)

	bad := make([]byte, 65)
	bad[64] = 5 // invalid recovery id
	_, err = Recover(env, bad, now, window)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestCanonicalMessageLayout(t *testing.T) {
	msg := CanonicalMessage(Envelope{
		Method:       "POST",
		PathAndQuery: "/relay?trace=1",
		Timestamp:    42,
		Body:         []byte("body"),
	})
	require.Equal(t, "POST\n/relay?trace=1\n42\nbody", string(msg))
}
