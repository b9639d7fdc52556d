// Package relay contains the per-request state machine: authenticate, debit,
// forward, and — when a payment rides along — settle and credit first.
package relay

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/relaytoll/gateway/auth"
	"github.com/relaytoll/gateway/proxy"
	"github.com/relaytoll/gateway/store"
	"github.com/relaytoll/gateway/x402"
)

// Request headers recognised by the relay endpoint.
const (
	headerSignature = "X-Signature"
	headerTimestamp = "X-Timestamp"
	headerPayment   = "X-Payment"
)

// Error kinds surfaced to clients as {"error": "<kind>"}.
const (
	errBadSignature        = "bad_signature"
	errStaleOrFuture       = "stale_or_future"
	errReplay              = "replay"
	errUpstreamUnavailable = "upstream_unavailable"
	errInternal            = "internal"
)

// Config groups the dependencies of the relay handler.
type Config struct {
	// Price is the cost of one forwarded call, in USDC base units.
	Price uint64
	// SkewWindow bounds both timestamp drift and replay memory.
	SkewWindow time.Duration
	// Store is the durable balance ledger.
	Store *store.Store
	// Replay rejects reused signatures within the skew window.
	Replay *auth.ReplayGuard
	// Facilitator settles inbound x402 payments.
	Facilitator x402.Facilitator
	// Challenge renders 402 responses.
	Challenge *x402.Challenge
	// Upstream relays paid calls to the EVM node.
	Upstream *proxy.Forwarder
	// Now is the clock; defaults to time.Now. Tests override it.
	Now func() time.Time
}

// Handler implements the relay endpoint.
type Handler struct {
	cfg Config
}

// NewHandler builds the relay handler from cfg.
func NewHandler(cfg Config) *Handler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Handler{cfg: cfg}
}

// ServeHTTP runs the request state machine.
//
// A request carrying an X-Payment header is settled and credited before
// anything else, then continues through authentication on the increased
// balance — the same request both pays and is processed.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST is supported", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}

	settled := false
	if paymentHeader := r.Header.Get(headerPayment); paymentHeader != "" {
		if !h.settlePayment(w, r, paymentHeader) {
			return
		}
		settled = true
	}

	sigHex := r.Header.Get(headerSignature)
	tsStr := r.Header.Get(headerTimestamp)
	if sigHex == "" || tsStr == "" {
		reason := ""
		if settled {
			reason = "deposit credited; retry with a signed request"
		}
		h.cfg.Challenge.Write(w, reason)
		return
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, errStaleOrFuture)
		return
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, errBadSignature)
		return
	}

	now := h.cfg.Now()
	envelope := auth.Envelope{
		Method:       r.Method,
		PathAndQuery: r.URL.RequestURI(),
		Timestamp:    ts,
		Body:         body,
	}
	addr, err := auth.Recover(envelope, sig, now, h.cfg.SkewWindow)
	switch {
	case errors.Is(err, auth.ErrStaleOrFuture):
		h.writeError(w, http.StatusUnauthorized, errStaleOrFuture)
		return
	case err != nil:
		h.writeError(w, http.StatusUnauthorized, errBadSignature)
		return
	}

	if err := h.cfg.Replay.Observe(sig, now); err != nil {
		slog.Info("replayed signature rejected", "address", addr.Hex())
		h.writeError(w, http.StatusUnauthorized, errReplay)
		return
	}

	// Rejections above cost nothing; the balance only moves from here on.
	err = h.cfg.Store.TryDebit(addr, h.cfg.Price)
	if errors.Is(err, store.ErrInsufficient) {
		h.cfg.Challenge.Write(w, "insufficient balance")
		return
	}
	if err != nil {
		slog.Error("debit failed", "address", addr.Hex(), "err", err)
		h.writeError(w, http.StatusInternalServerError, errInternal)
		return
	}

	// Deliberately not r.Context(): once debited, a client disconnect must not
	// turn into a refund. The forwarder's own timeout bounds the call.
	resp, err := h.cfg.Upstream.Forward(context.Background(), body)
	if err != nil {
		slog.Error("upstream unreachable, refunding", "address", addr.Hex(), "err", err)
		if _, crErr := h.cfg.Store.Credit(addr, h.cfg.Price); crErr != nil {
			slog.Error("refund failed", "address", addr.Hex(), "err", crErr)
			h.writeError(w, http.StatusInternalServerError, errInternal)
			return
		}
		h.writeError(w, http.StatusBadGateway, errUpstreamUnavailable)
		return
	}

	// Upstream answered: the call is delivered, whatever the status. Relay it
	// verbatim.
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// settlePayment runs the SETTLING leg: verify, settle, credit exactly once.
// It reports whether the request should continue into authentication; on
// false a response has already been written.
func (h *Handler) settlePayment(w http.ResponseWriter, r *http.Request, encoded string) bool {
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		h.cfg.Challenge.Write(w, "invalid payment encoding")
		return false
	}

	// The client is still waiting on this request, so its context drives the
	// facilitator calls; nothing has been credited yet if it cancels.
	ctx := r.Context()
	requirements := h.cfg.Challenge.Requirements()

	if _, err := h.cfg.Facilitator.Verify(ctx, payload, requirements); err != nil {
		slog.Warn("payment verification failed", "err", err)
		h.cfg.Challenge.Write(w, err.Error())
		return false
	}

	settled, err := h.cfg.Facilitator.Settle(ctx, payload, requirements)
	if err != nil {
		slog.Warn("payment settlement failed", "err", err)
		h.cfg.Challenge.Write(w, err.Error())
		return false
	}

	payer := common.HexToAddress(settled.Payer)
	credited, balance, err := h.cfg.Store.CreditSettlement(settled.ID, payer, settled.Amount)
	if err != nil {
		slog.Error("settlement credit failed", "settlement", settled.ID, "err", err)
		h.writeError(w, http.StatusInternalServerError, errInternal)
		return false
	}
	if !credited {
		slog.Info("settlement already credited, skipping", "settlement", settled.ID)
		return true
	}
	slog.Info("payment credited",
		"settlement", settled.ID,
		"payer", payer.Hex(),
		"amount", settled.Amount,
		"balance", balance,
	)
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, status int, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": kind})
}
