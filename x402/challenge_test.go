package x402

import (
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func testChallengeConfig() ChallengeConfig {
	return ChallengeConfig{
		Network:           "base-sepolia",
		PayTo:             "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		USDCAddress:       "0x036CbD53842c5426634E7929541eC2318f3dCF7e",
		USDCDomainName:    "USDC",
		USDCDomainVersion: "2",
		GatewayURL:        "https://rpc.example.com",
		TopUpAmount:       1_000_000,
	}
}

func TestChallengeBody(t *testing.T) {
	c, err := NewChallenge(testChallengeConfig())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	c.Write(rec, "")

	require.Equal(t, 402, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body paymentRequired
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.X402Version)
	require.Len(t, body.Accepts, 1)

	req := body.Accepts[0]
	require.Equal(t, "exact", req.Scheme)
	require.Equal(t, "base-sepolia", req.Network)
	require.Equal(t, "1000000", req.MaxAmountRequired)
	require.Equal(t, "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", req.PayTo)
	require.Equal(t, "0x036CbD53842c5426634E7929541eC2318f3dCF7e", req.Asset)
	require.Equal(t, "https://rpc.example.com/relay", req.Resource)
	require.NotEmpty(t, req.Extra.Nonce)
}

func TestChallengeReasonOverridesError(t *testing.T) {
	c, err := NewChallenge(testChallengeConfig())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	c.Write(rec, "insufficient balance")

	var body paymentRequired
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "insufficient balance", body.Error)
	// The accepted terms do not change with the reason.
	require.Equal(t, "1000000", body.Accepts[0].MaxAmountRequired)
}

func TestChallengeHeaderMirrorsBody(t *testing.T) {
	c, err := NewChallenge(testChallengeConfig())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	c.Write(rec, "")

	decoded, err := base64.StdEncoding.DecodeString(rec.Header().Get("Payment-Required"))
	require.NoError(t, err)

	var body paymentRequired
	require.NoError(t, json.Unmarshal(decoded, &body))
	require.Len(t, body.Accepts, 1)
	require.Equal(t, "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", body.Accepts[0].PayTo)
}

func TestChallengeRequirementsMatchAccepts(t *testing.T) {
	c, err := NewChallenge(testChallengeConfig())
	require.NoError(t, err)

	var req paymentRequirement
	require.NoError(t, json.Unmarshal(c.Requirements(), &req))
	require.Equal(t, "exact", req.Scheme)
	require.Equal(t, "1000000", req.MaxAmountRequired)
}
