// Package x402 implements the payment side of the gateway: the 402 challenge,
// the facilitator adapter that verifies and settles x402 payments, and an
// optional self-hosted settlement path.
//
// All parsing of facilitator responses and payment payloads lives here, so a
// protocol upgrade stays local to this package.
package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// equalAddress compares two hex addresses case-insensitively.
func equalAddress(a, b string) bool {
	return common.HexToAddress(a) == common.HexToAddress(b)
}

// VerifyResult is the outcome of a successful verification.
type VerifyResult struct {
	// Payer is the address the payment draws from.
	Payer string
	// Amount is what the payment conveys, in USDC base units.
	Amount uint64
}

// SettleResult is the outcome of a successful on-chain settlement.
type SettleResult struct {
	// ID uniquely names the settlement (the on-chain transaction hash). It is
	// the idempotency key for crediting.
	ID string
	// Payer is the address that paid, as reported by the settlement layer.
	Payer string
	// Amount is the settled amount in USDC base units.
	Amount uint64
}

// Facilitator verifies and settles x402 payments. Implementations must not
// credit balances themselves — the request pipeline does.
type Facilitator interface {
	Verify(ctx context.Context, payloadBytes, requirementsBytes []byte) (*VerifyResult, error)
	Settle(ctx context.Context, payloadBytes, requirementsBytes []byte) (*SettleResult, error)
}

// RemoteFacilitator talks to an x402 facilitator REST API.
type RemoteFacilitator struct {
	url    string
	client *http.Client
}

// NewRemoteFacilitator creates a RemoteFacilitator that calls facilitatorURL.
func NewRemoteFacilitator(facilitatorURL string) *RemoteFacilitator {
	return &RemoteFacilitator{
		url: facilitatorURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Verify checks that the payment payload is valid against the requirements.
//
// payloadBytes is the raw JSON from the client's X-Payment header (after
// base64-decoding); requirementsBytes is the challenge requirement the
// gateway advertises.
func (f *RemoteFacilitator) Verify(ctx context.Context, payloadBytes, requirementsBytes []byte) (*VerifyResult, error) {
	body, err := buildFacilitatorBody(payloadBytes, requirementsBytes)
	if err != nil {
		return nil, err
	}

	var resp struct {
		IsValid        bool   `json:"isValid"`
		InvalidReason  string `json:"invalidReason"`
		InvalidMessage string `json:"invalidMessage"`
		Payer          string `json:"payer"`
	}
	if err := f.post(ctx, "/verify", body, &resp); err != nil {
		return nil, fmt.Errorf("facilitator verify: %w", err)
	}
	if !resp.IsValid {
		reason := resp.InvalidReason
		if resp.InvalidMessage != "" {
			reason += ": " + resp.InvalidMessage
		}
		return nil, fmt.Errorf("payment invalid: %s", reason)
	}

	amount, from, err := paymentAmount(payloadBytes)
	if err != nil {
		return nil, err
	}
	return &VerifyResult{Payer: attributePayer(resp.Payer, from), Amount: amount}, nil
}

// Settle finalises the on-chain payment. Call after a successful Verify.
func (f *RemoteFacilitator) Settle(ctx context.Context, payloadBytes, requirementsBytes []byte) (*SettleResult, error) {
	body, err := buildFacilitatorBody(payloadBytes, requirementsBytes)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Success      bool   `json:"success"`
		ErrorReason  string `json:"errorReason"`
		ErrorMessage string `json:"errorMessage"`
		Transaction  string `json:"transaction"`
		Payer        string `json:"payer"`
	}
	if err := f.post(ctx, "/settle", body, &resp); err != nil {
		return nil, fmt.Errorf("facilitator settle: %w", err)
	}
	if !resp.Success {
		reason := resp.ErrorReason
		if resp.ErrorMessage != "" {
			reason += ": " + resp.ErrorMessage
		}
		return nil, fmt.Errorf("settlement failed: %s", reason)
	}
	if resp.Transaction == "" {
		return nil, fmt.Errorf("settlement succeeded but facilitator returned no transaction id")
	}

	amount, from, err := paymentAmount(payloadBytes)
	if err != nil {
		return nil, err
	}
	return &SettleResult{ID: resp.Transaction, Payer: attributePayer(resp.Payer, from), Amount: amount}, nil
}

// attributePayer prefers the payer the settlement layer reports over the one
// claimed in the payment payload, logging when they diverge (a payer may fund
// an account other than the one that signed the HTTP request).
func attributePayer(reported, claimed string) string {
	if reported == "" {
		return claimed
	}
	if claimed != "" && !equalAddress(reported, claimed) {
		slog.Warn("facilitator payer differs from payload authorization.from",
			"facilitator_payer", reported, "authorization_from", claimed)
	}
	return reported
}

// paymentPayload is the subset of the x402 exact-scheme payload the gateway
// reads: the conveyed amount and the claimed payer.
type paymentPayload struct {
	Payload struct {
		Authorization struct {
			From  string `json:"from"`
			Value string `json:"value"`
		} `json:"authorization"`
	} `json:"payload"`
}

// paymentAmount extracts the conveyed amount (base units) and the claimed
// payer from a payment payload.
func paymentAmount(payloadBytes []byte) (uint64, string, error) {
	var p paymentPayload
	if err := json.Unmarshal(payloadBytes, &p); err != nil {
		return 0, "", fmt.Errorf("parsing payment payload: %w", err)
	}
	value, err := strconv.ParseUint(p.Payload.Authorization.Value, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("payment payload has no usable authorization.value: %w", err)
	}
	return value, p.Payload.Authorization.From, nil
}

// buildFacilitatorBody constructs the JSON request body for /verify and
// /settle. The facilitator expects:
//
//	{ "x402Version": 1, "paymentPayload": {...}, "paymentRequirements": {...} }
func buildFacilitatorBody(payloadBytes, requirementsBytes []byte) ([]byte, error) {
	var payload, requirements json.RawMessage = payloadBytes, requirementsBytes

	var versionProbe struct {
		X402Version int `json:"x402Version"`
	}
	if err := json.Unmarshal(payloadBytes, &versionProbe); err != nil {
		return nil, fmt.Errorf("parsing payment payload: %w", err)
	}
	version := versionProbe.X402Version
	if version == 0 {
		version = 1
	}

	body := map[string]interface{}{
		"x402Version":         version,
		"paymentPayload":      payload,
		"paymentRequirements": requirements,
	}
	return json.Marshal(body)
}

// post sends a POST request to path (relative to f.url) with the given JSON
// body, and JSON-decodes the response into dst.
func (f *RemoteFacilitator) post(ctx context.Context, path string, body []byte, dst interface{}) error {
	url := f.url + path
	slog.Debug("facilitator request", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	slog.Debug("facilitator response", "url", url, "status", resp.StatusCode)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("facilitator returned %d: %s", resp.StatusCode, respBody)
	}

	return json.Unmarshal(respBody, dst)
}
