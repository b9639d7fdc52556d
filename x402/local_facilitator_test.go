package x402

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

var testChainID = big.NewInt(84532)

const (
	testAsset = "0x036CbD53842c5426634E7929541eC2318f3dCF7e"
	testPayTo = "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
)

func testRequirements(t *testing.T, amount string) []byte {
	t.Helper()
	raw, err := json.Marshal(paymentRequirement{
		Scheme:            "exact",
		Network:           "base-sepolia",
		MaxAmountRequired: amount,
		PayTo:             testPayTo,
		Asset:             testAsset,
		Extra:             requirementExtra{Name: "USDC", Version: "2"},
	})
	require.NoError(t, err)
	return raw
}

// signedPayment builds an EIP-3009 payment payload signed by key.
func signedPayment(t *testing.T, key *ecdsa.PrivateKey, to, value, validBefore string) []byte {
	t.Helper()
	from := crypto.PubkeyToAddress(key.PublicKey)

	a := &authorization{
		from:        from,
		to:          common.HexToAddress(to),
		value:       decimalBig(value),
		validAfter:  big.NewInt(0),
		validBefore: decimalBig(validBefore),
	}
	a.nonce[31] = 0x01

	ds := domainSeparator("USDC", "2", testChainID, common.HexToAddress(testAsset))
	ah := authStructHash(a)
	digest := crypto.Keccak256Hash(append([]byte{0x19, 0x01}, append(ds.Bytes(), ah.Bytes()...)...))

	sig, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)
	sig[64] += 27 // wallet-style V

	payload := map[string]interface{}{
		"x402Version": 1,
		"scheme":      "exact",
		"network":     "base-sepolia",
		"payload": map[string]interface{}{
			"signature": "0x" + hex.EncodeToString(sig),
			"authorization": map[string]interface{}{
				"from":        from.Hex(),
				"to":          to,
				"value":       value,
				"validAfter":  "0",
				"validBefore": validBefore,
				"nonce":       "0x01",
			},
		},
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return raw
}

func newTestLocalFacilitator(t *testing.T) (*LocalFacilitator, *ecdsa.PrivateKey) {
	t.Helper()
	relayerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	lf, err := NewLocalFacilitator("http://127.0.0.1:1", hex.EncodeToString(crypto.FromECDSA(relayerKey)), testChainID)
	require.NoError(t, err)

	payerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	return lf, payerKey
}

func TestLocalVerifyOK(t *testing.T) {
	lf, payerKey := newTestLocalFacilitator(t)

	payload := signedPayment(t, payerKey, testPayTo, "1000000", "99999999999")
	res, err := lf.Verify(context.Background(), payload, testRequirements(t, "1000000"))
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(payerKey.PublicKey).Hex(), res.Payer)
	require.Equal(t, uint64(1_000_000), res.Amount)
}

func TestLocalVerifyRejectsWrongRecipient(t *testing.T) {
	lf, payerKey := newTestLocalFacilitator(t)

	payload := signedPayment(t, payerKey, "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB", "1000000", "99999999999")
	_, err := lf.Verify(context.Background(), payload, testRequirements(t, "1000000"))
	require.ErrorContains(t, err, "payTo mismatch")
}

func TestLocalVerifyRejectsLowAmount(t *testing.T) {
	lf, payerKey := newTestLocalFacilitator(t)

	payload := signedPayment(t, payerKey, testPayTo, "999999", "99999999999")
	_, err := lf.Verify(context.Background(), payload, testRequirements(t, "1000000"))
	require.ErrorContains(t, err, "amount too low")
}

func TestLocalVerifyRejectsExpired(t *testing.T) {
	lf, payerKey := newTestLocalFacilitator(t)

	payload := signedPayment(t, payerKey, testPayTo, "1000000", "1")
	_, err := lf.Verify(context.Background(), payload, testRequirements(t, "1000000"))
	require.ErrorContains(t, err, "expired")
}

func TestLocalVerifyRejectsForgedSigner(t *testing.T) {
	lf, payerKey := newTestLocalFacilitator(t)

	forger, err := crypto.GenerateKey()
	require.NoError(t, err)

	// Signature from one key, authorization.from claiming another.
	payload := signedPayment(t, forger, testPayTo, "1000000", "99999999999")
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &doc))
	inner := doc["payload"].(map[string]interface{})["authorization"].(map[string]interface{})
	inner["from"] = crypto.PubkeyToAddress(payerKey.PublicKey).Hex()
	forged, err := json.Marshal(doc)
	require.NoError(t, err)

	_, err = lf.Verify(context.Background(), forged, testRequirements(t, "1000000"))
	require.Error(t, err)
}

func TestLocalVerifyRejectsMalformedPayload(t *testing.T) {
	lf, _ := newTestLocalFacilitator(t)

	_, err := lf.Verify(context.Background(), []byte(`not json`), testRequirements(t, "1000000"))
	require.Error(t, err)
}
