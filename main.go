package main

import (
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"

	"github.com/relaytoll/gateway/auth"
	"github.com/relaytoll/gateway/config"
	"github.com/relaytoll/gateway/proxy"
	"github.com/relaytoll/gateway/relay"
	"github.com/relaytoll/gateway/store"
	"github.com/relaytoll/gateway/x402"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	ledger, err := store.Open(cfg.DatabasePath)
	if err != nil {
		slog.Error("opening balance store", "path", cfg.DatabasePath, "err", err)
		os.Exit(1)
	}
	defer ledger.Close()

	forwarder, err := proxy.NewForwarder(cfg.UpstreamRPCURL, cfg.UpstreamTimeout)
	if err != nil {
		slog.Error("creating upstream forwarder", "err", err)
		os.Exit(1)
	}

	challenge, err := x402.NewChallenge(x402.ChallengeConfig{
		Network:           cfg.Network,
		PayTo:             cfg.PaymentAddress,
		USDCAddress:       cfg.USDCAddress,
		USDCDomainName:    cfg.USDCDomainName,
		USDCDomainVersion: cfg.USDCDomainVersion,
		GatewayURL:        cfg.GatewayURL,
		TopUpAmount:       cfg.TopUpAmount,
	})
	if err != nil {
		slog.Error("building payment challenge", "err", err)
		os.Exit(1)
	}

	// Settlement mode:
	//   FACILITATOR_URL set     → remote facilitator
	//   GATEWAY_PRIVATE_KEY set → self-hosted settlement, no external service
	var facilitator x402.Facilitator
	switch {
	case cfg.FacilitatorURL != "":
		slog.Info("settlement mode: remote facilitator", "url", cfg.FacilitatorURL)
		facilitator = x402.NewRemoteFacilitator(cfg.FacilitatorURL)

	case cfg.GatewayPrivateKey != "":
		lf, err := x402.NewLocalFacilitator(cfg.SettlementRPCURL, cfg.GatewayPrivateKey, big.NewInt(cfg.ChainID))
		if err != nil {
			slog.Error("local facilitator init failed", "err", err)
			os.Exit(1)
		}
		slog.Info("settlement mode: local",
			"settlement_rpc", cfg.SettlementRPCURL,
			"relayer", lf.Address().Hex(),
		)
		facilitator = lf

	default:
		slog.Error("no settlement path: set FACILITATOR_URL or GATEWAY_PRIVATE_KEY")
		os.Exit(1)
	}

	handler := relay.NewHandler(relay.Config{
		Price:       cfg.PricePerRequest,
		SkewWindow:  cfg.SkewWindow,
		Store:       ledger,
		Replay:      auth.NewReplayGuard(cfg.SkewWindow),
		Facilitator: facilitator,
		Challenge:   challenge,
		Upstream:    forwarder,
	})

	mux := http.NewServeMux()
	mux.Handle("/relay", handler)

	addr := fmt.Sprintf(":%d", cfg.Port)
	slog.Info("gateway starting",
		"addr", addr,
		"upstream", cfg.UpstreamRPCURL,
		"network", cfg.Network,
		"pay_to", cfg.PaymentAddress,
		"price_base_units", cfg.PricePerRequest,
		"topup_base_units", cfg.TopUpAmount,
	)

	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
