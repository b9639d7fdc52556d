package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
)

// paymentRequiredHeader carries the base64-encoded 402 payload so non-browser
// clients can pick it up without parsing the body.
const paymentRequiredHeader = "Payment-Required"

// requirementExtra carries EIP-712 domain metadata the facilitator needs to
// verify the client's signature without querying the chain, plus a nonce
// identifying this gateway instance.
type requirementExtra struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Nonce   string `json:"nonce"`
}

// paymentRequirement mirrors the x402 v1 PaymentRequirements schema.
type paymentRequirement struct {
	Scheme            string           `json:"scheme"`
	Network           string           `json:"network"`
	MaxAmountRequired string           `json:"maxAmountRequired"`
	Resource          string           `json:"resource"`
	Description       string           `json:"description,omitempty"`
	MimeType          string           `json:"mimeType,omitempty"`
	PayTo             string           `json:"payTo"`
	MaxTimeoutSeconds int              `json:"maxTimeoutSeconds"`
	Asset             string           `json:"asset"`
	Extra             requirementExtra `json:"extra"`
}

// paymentRequired is the full 402 response body (x402 v1 discovery schema).
type paymentRequired struct {
	X402Version int                  `json:"x402Version"`
	Error       string               `json:"error"`
	Accepts     []paymentRequirement `json:"accepts"`
}

// ChallengeConfig is the subset of gateway configuration the 402 body exposes.
type ChallengeConfig struct {
	Network           string
	PayTo             string
	USDCAddress       string
	USDCDomainName    string
	USDCDomainVersion string
	GatewayURL        string
	// TopUpAmount is the advertised deposit, in USDC base units.
	TopUpAmount uint64
}

// Challenge precomputes the 402 Payment Required response. The accepted terms
// never change after startup; only the error reason varies per response.
type Challenge struct {
	requirementsJSON []byte // JSON of paymentRequirement, passed to the facilitator
	payloadJSON      []byte // JSON of paymentRequired, sent as the 402 body
	header402        string // base64(payloadJSON), sent in Payment-Required header
}

// NewChallenge builds the challenge from cfg. The nonce is generated once per
// process and identifies this gateway instance in payment payloads.
func NewChallenge(cfg ChallengeConfig) (*Challenge, error) {
	req := paymentRequirement{
		Scheme:            "exact",
		Network:           cfg.Network,
		MaxAmountRequired: strconv.FormatUint(cfg.TopUpAmount, 10),
		Resource:          cfg.GatewayURL + "/relay",
		Description:       "Prepaid EVM JSON-RPC relay",
		MimeType:          "application/json",
		PayTo:             cfg.PayTo,
		MaxTimeoutSeconds: 60,
		Asset:             cfg.USDCAddress,
		Extra: requirementExtra{
			Name:    cfg.USDCDomainName,
			Version: cfg.USDCDomainVersion,
			Nonce:   uuid.New().String(),
		},
	}

	requirementsJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshalling payment requirements: %w", err)
	}

	payloadJSON, err := json.Marshal(paymentRequired{
		X402Version: 1,
		Error:       "payment required",
		Accepts:     []paymentRequirement{req},
	})
	if err != nil {
		return nil, fmt.Errorf("marshalling payment required payload: %w", err)
	}

	return &Challenge{
		requirementsJSON: requirementsJSON,
		payloadJSON:      payloadJSON,
		header402:        base64.StdEncoding.EncodeToString(payloadJSON),
	}, nil
}

// Requirements returns the requirement JSON handed to the facilitator
// alongside a payment payload.
func (c *Challenge) Requirements() []byte {
	return c.requirementsJSON
}

// Write emits the 402 response. A non-empty reason tells the client why this
// particular request needed payment (insufficient balance, failed settlement).
func (c *Challenge) Write(w http.ResponseWriter, reason string) {
	w.Header().Set(paymentRequiredHeader, c.header402)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)

	var body paymentRequired
	_ = json.Unmarshal(c.payloadJSON, &body)
	if reason != "" {
		body.Error = reason
	}
	_ = json.NewEncoder(w).Encode(body)
}
