package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// usdcDecimals is the number of decimals of the settlement token. Prices and
// top-ups are configured as decimal USDC amounts and stored internally in
// base units.
const usdcDecimals = 6

// Config holds all gateway configuration. It is immutable after Load.
type Config struct {
	// UpstreamRPCURL is the EVM JSON-RPC endpoint paid requests are relayed to.
	UpstreamRPCURL string

	// UpstreamTimeout bounds a single relay call to the upstream node.
	UpstreamTimeout time.Duration

	// PaymentAddress is the gateway's USDC-receiving wallet address.
	PaymentAddress string

	// USDCAddress is the USDC contract address on the target network.
	// Base Sepolia default: 0x036CbD53842c5426634E7929541eC2318f3dCF7e
	USDCAddress string

	// USDCDomainName is the EIP-712 domain name for the USDC contract.
	USDCDomainName string

	// USDCDomainVersion is the EIP-712 domain version for the USDC contract.
	USDCDomainVersion string

	// GatewayURL is the public URL of this gateway, used in the x402 resource field.
	GatewayURL string

	// FacilitatorURL is the x402 facilitator endpoint.
	// When empty and GatewayPrivateKey is set, the gateway settles payments itself.
	FacilitatorURL string

	// GatewayPrivateKey is the hex-encoded private key used by the local
	// facilitator to submit transferWithAuthorization transactions and pay gas.
	GatewayPrivateKey string

	// SettlementRPCURL is the JSON-RPC endpoint for the settlement chain.
	SettlementRPCURL string

	// Network is the x402 network identifier (e.g. "base-sepolia").
	Network string

	// ChainID is the settlement chain id (84532 for Base Sepolia). Only the
	// local facilitator needs it.
	ChainID int64

	// PricePerRequest is the cost of one relayed RPC call in USDC base units.
	PricePerRequest uint64

	// TopUpAmount is the deposit advertised in 402 challenges, in base units.
	TopUpAmount uint64

	// SkewWindow is the tolerated clock skew between a request timestamp and
	// server time. It also bounds replay exposure.
	SkewWindow time.Duration

	// DatabasePath is the sqlite file backing account balances.
	DatabasePath string

	// Port is the HTTP listen port.
	Port int
}

// Load reads configuration from environment variables.
// A .env file in the working directory is loaded if present (dev convenience).
func Load() (*Config, error) {
	_ = godotenv.Load() // no-op if .env absent (production uses real env vars)

	price, err := usdcToBaseUnits(getEnv("PRICE_PER_REQUEST", "0.000001"))
	if err != nil {
		return nil, fmt.Errorf("PRICE_PER_REQUEST: %w", err)
	}
	topUp, err := usdcToBaseUnits(getEnv("TOPUP_USDC", "1"))
	if err != nil {
		return nil, fmt.Errorf("TOPUP_USDC: %w", err)
	}

	cfg := &Config{
		UpstreamRPCURL:    getEnv("UPSTREAM_RPC_URL", "https://sepolia.base.org"),
		UpstreamTimeout:   time.Duration(getEnvInt("UPSTREAM_TIMEOUT_SECONDS", 30)) * time.Second,
		PaymentAddress:    getEnv("PAYMENT_ADDRESS", ""),
		USDCAddress:       getEnv("USDC_ADDRESS", "0x036CbD53842c5426634E7929541eC2318f3dCF7e"),
		USDCDomainName:    getEnv("USDC_DOMAIN_NAME", "USDC"),
		USDCDomainVersion: getEnv("USDC_DOMAIN_VERSION", "2"),
		GatewayURL:        getEnv("GATEWAY_URL", "http://localhost:8080"),
		FacilitatorURL:    getEnv("FACILITATOR_URL", ""),
		GatewayPrivateKey: getEnv("GATEWAY_PRIVATE_KEY", ""),
		SettlementRPCURL:  getEnv("SETTLEMENT_RPC_URL", "https://sepolia.base.org"),
		Network:           getEnv("NETWORK", "base-sepolia"),
		ChainID:           int64(getEnvInt("CHAIN_ID", 84532)),
		PricePerRequest:   price,
		TopUpAmount:       topUp,
		SkewWindow:        time.Duration(getEnvInt("SKEW_WINDOW_SECONDS", 60)) * time.Second,
		DatabasePath:      getEnv("DATABASE_PATH", "gateway.db"),
		Port:              getEnvInt("PORT", 8080),
	}

	if cfg.PaymentAddress == "" {
		return nil, fmt.Errorf("PAYMENT_ADDRESS env var is required")
	}
	if !common.IsHexAddress(cfg.PaymentAddress) {
		return nil, fmt.Errorf("PAYMENT_ADDRESS is not a valid 20-byte hex address: %s", cfg.PaymentAddress)
	}
	if cfg.PricePerRequest == 0 {
		return nil, fmt.Errorf("PRICE_PER_REQUEST must be positive")
	}
	if cfg.TopUpAmount < cfg.PricePerRequest {
		return nil, fmt.Errorf("TOPUP_USDC must cover at least one request")
	}
	if cfg.SkewWindow < time.Second {
		return nil, fmt.Errorf("SKEW_WINDOW_SECONDS must be at least 1")
	}
	if cfg.UpstreamTimeout < time.Second {
		return nil, fmt.Errorf("UPSTREAM_TIMEOUT_SECONDS must be at least 1")
	}

	return cfg, nil
}

// usdcToBaseUnits converts a decimal USDC amount ("0.000001", "1") to base
// units. Amounts finer than one base unit are rejected rather than rounded.
func usdcToBaseUnits(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid decimal amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("amount must not be negative: %s", s)
	}
	scaled := d.Shift(usdcDecimals)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("amount %s is finer than one base unit (10^-%d USDC)", s, usdcDecimals)
	}
	if scaled.Cmp(decimal.NewFromUint64(math.MaxUint64)) > 0 {
		return 0, fmt.Errorf("amount %s overflows base-unit range", s)
	}
	return scaled.BigInt().Uint64(), nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
