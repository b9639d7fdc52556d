package x402

// LocalFacilitator is a self-hosted settlement path. Instead of delegating to
// a remote facilitator service it verifies the EIP-3009
// TransferWithAuthorization signature itself and submits the transfer
// directly to the USDC contract, paying gas from the gateway's relayer key.
// The settlement id is the submitted transaction hash.

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EIP-712 type hashes for the USDC TransferWithAuthorization domain.
var (
	domainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	authTypeHash = crypto.Keccak256Hash([]byte(
		"TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)",
	))
)

// transferWithAuthSelector is the 4-byte selector for
// USDC.transferWithAuthorization.
var transferWithAuthSelector = crypto.Keccak256([]byte(
	"transferWithAuthorization(address,address,uint256,uint256,uint256,bytes32,uint8,bytes32,bytes32)",
))[:4]

// LocalFacilitator implements Facilitator without any external service.
type LocalFacilitator struct {
	rpcURL     string
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
}

// NewLocalFacilitator creates a LocalFacilitator.
//
//   - rpcURL: JSON-RPC endpoint of the settlement chain.
//   - privateKeyHex: relayer key that signs settlement transactions and pays gas.
//   - chainID: settlement chain id (84532 for Base Sepolia).
func NewLocalFacilitator(rpcURL, privateKeyHex string, chainID *big.Int) (*LocalFacilitator, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid gateway private key: %w", err)
	}
	return &LocalFacilitator{
		rpcURL:     rpcURL,
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		chainID:    chainID,
	}, nil
}

// Address returns the relayer address (logged at startup so operators can
// fund it with gas).
func (f *LocalFacilitator) Address() common.Address { return f.address }

// authorization is the fully decoded EIP-3009 payment: addresses and amounts
// parsed, signature split out, EIP-712 digest computed.
type authorization struct {
	from, to    common.Address
	asset       common.Address
	value       *big.Int
	validAfter  *big.Int
	validBefore *big.Int
	nonce       [32]byte
	sig         []byte
	digest      common.Hash
	payTo       common.Address
	required    *big.Int
}

// decodeAuthorization parses the wire payload: addresses, amounts, nonce and
// signature. The asset, recipient, required amount and EIP-712 digest are
// filled in afterwards by bindRequirements.
func (f *LocalFacilitator) decodeAuthorization(raw []byte) (*authorization, error) {
	var p struct {
		Payload struct {
			Signature     string `json:"signature"`
			Authorization struct {
				From        string `json:"from"`
				To          string `json:"to"`
				Value       string `json:"value"`
				ValidAfter  string `json:"validAfter"`
				ValidBefore string `json:"validBefore"`
				Nonce       string `json:"nonce"`
			} `json:"authorization"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parsing payment payload: %w", err)
	}

	a := &authorization{
		from:        common.HexToAddress(p.Payload.Authorization.From),
		to:          common.HexToAddress(p.Payload.Authorization.To),
		value:       decimalBig(p.Payload.Authorization.Value),
		validAfter:  decimalBig(p.Payload.Authorization.ValidAfter),
		validBefore: decimalBig(p.Payload.Authorization.ValidBefore),
	}
	if a.value == nil || a.validAfter == nil || a.validBefore == nil {
		return nil, fmt.Errorf("authorization has non-decimal numeric field")
	}

	nonceBytes, err := hex.DecodeString(strings.TrimPrefix(p.Payload.Authorization.Nonce, "0x"))
	if err != nil || len(nonceBytes) > 32 {
		return nil, fmt.Errorf("invalid authorization nonce")
	}
	copy(a.nonce[32-len(nonceBytes):], nonceBytes)

	sig, err := hex.DecodeString(strings.TrimPrefix(p.Payload.Signature, "0x"))
	if err != nil || len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("invalid payment signature")
	}
	a.sig = sig
	return a, nil
}

// bindRequirements reads the challenge requirement the payment must satisfy
// and computes the EIP-712 digest under that requirement's domain.
func (f *LocalFacilitator) bindRequirements(a *authorization, requirementsBytes []byte) error {
	var req paymentRequirement
	if err := json.Unmarshal(requirementsBytes, &req); err != nil {
		return fmt.Errorf("parsing payment requirements: %w", err)
	}
	a.asset = common.HexToAddress(req.Asset)
	a.payTo = common.HexToAddress(req.PayTo)
	a.required = decimalBig(req.MaxAmountRequired)
	if a.required == nil {
		return fmt.Errorf("requirement has non-decimal amount")
	}

	ds := domainSeparator(req.Extra.Name, req.Extra.Version, f.chainID, a.asset)
	ah := authStructHash(a)
	a.digest = crypto.Keccak256Hash(append([]byte{0x19, 0x01}, append(ds.Bytes(), ah.Bytes()...)...))
	return nil
}

// Verify checks the EIP-3009 signature and the payment terms locally, without
// touching the chain.
func (f *LocalFacilitator) Verify(_ context.Context, payloadBytes, requirementsBytes []byte) (*VerifyResult, error) {
	a, err := f.decodeAuthorization(payloadBytes)
	if err != nil {
		return nil, err
	}
	if err := f.bindRequirements(a, requirementsBytes); err != nil {
		return nil, err
	}

	if a.validBefore.Int64() < time.Now().Unix() {
		return nil, fmt.Errorf("authorization expired (validBefore=%d)", a.validBefore.Int64())
	}

	sig := make([]byte, crypto.SignatureLength)
	copy(sig, a.sig)
	if sig[64] >= 27 {
		sig[64] -= 27 // ecrecover expects 0/1
	}
	pubBytes, err := crypto.Ecrecover(a.digest.Bytes(), sig)
	if err != nil {
		return nil, fmt.Errorf("ecrecover: %w", err)
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return nil, fmt.Errorf("unmarshal pubkey: %w", err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if recovered != a.from {
		return nil, fmt.Errorf("signature mismatch: signed by %s, claimed %s", recovered.Hex(), a.from.Hex())
	}

	if a.to != a.payTo {
		return nil, fmt.Errorf("payTo mismatch: auth=%s req=%s", a.to.Hex(), a.payTo.Hex())
	}
	if a.value.Cmp(a.required) < 0 {
		return nil, fmt.Errorf("amount too low: authorized %s, required %s", a.value, a.required)
	}
	if !a.value.IsUint64() {
		return nil, fmt.Errorf("authorized amount out of range: %s", a.value)
	}

	slog.Info("local verify ok", "payer", recovered.Hex(), "amount", a.value.String())
	return &VerifyResult{Payer: recovered.Hex(), Amount: a.value.Uint64()}, nil
}

// Settle submits transferWithAuthorization to the USDC contract and returns
// the transaction hash as the settlement id.
func (f *LocalFacilitator) Settle(ctx context.Context, payloadBytes, requirementsBytes []byte) (*SettleResult, error) {
	a, err := f.decodeAuthorization(payloadBytes)
	if err != nil {
		return nil, err
	}
	if err := f.bindRequirements(a, requirementsBytes); err != nil {
		return nil, err
	}
	if !a.value.IsUint64() {
		return nil, fmt.Errorf("authorized amount out of range: %s", a.value)
	}

	callData := packTransferWithAuth(a)

	client, err := ethclient.DialContext(ctx, f.rpcURL)
	if err != nil {
		return nil, fmt.Errorf("rpc connect: %w", err)
	}
	defer client.Close()

	txNonce, err := client.PendingNonceAt(ctx, f.address)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}

	gasLimit := uint64(100_000)
	if est, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From: f.address,
		To:   &a.asset,
		Data: callData,
	}); err == nil {
		gasLimit = est * 12 / 10
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	tip := big.NewInt(1e9) // 1 gwei priority fee
	feeCap := new(big.Int).Add(header.BaseFee, tip)

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   f.chainID,
		Nonce:     txNonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &a.asset,
		Value:     new(big.Int),
		Data:      callData,
	})

	signed, err := types.SignTx(tx, types.NewLondonSigner(f.chainID), f.privateKey)
	if err != nil {
		return nil, fmt.Errorf("signing settlement tx: %w", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("transaction_failed: %w", err)
	}

	slog.Info("settlement tx submitted",
		"hash", signed.Hash().Hex(),
		"from", a.from.Hex(),
		"to", a.to.Hex(),
		"value", a.value.String(),
	)
	return &SettleResult{
		ID:     signed.Hash().Hex(),
		Payer:  a.from.Hex(),
		Amount: a.value.Uint64(),
	}, nil
}

// ---------------------------------------------------------------------------
// EIP-712 / ABI encoding helpers
// ---------------------------------------------------------------------------

func decimalBig(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil
	}
	return n
}

func pad32(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

func addrPad(a common.Address) []byte {
	padded := make([]byte, 32)
	copy(padded[12:], a.Bytes())
	return padded
}

func domainSeparator(name, version string, chainID *big.Int, contract common.Address) common.Hash {
	enc := make([]byte, 5*32)
	copy(enc[0:32], domainTypeHash.Bytes())
	copy(enc[32:64], crypto.Keccak256([]byte(name)))
	copy(enc[64:96], crypto.Keccak256([]byte(version)))
	copy(enc[96:128], pad32(chainID))
	copy(enc[128:160], addrPad(contract))
	return crypto.Keccak256Hash(enc)
}

func authStructHash(a *authorization) common.Hash {
	enc := make([]byte, 7*32)
	copy(enc[0:32], authTypeHash.Bytes())
	copy(enc[32:64], addrPad(a.from))
	copy(enc[64:96], addrPad(a.to))
	copy(enc[96:128], pad32(a.value))
	copy(enc[128:160], pad32(a.validAfter))
	copy(enc[160:192], pad32(a.validBefore))
	copy(enc[192:224], a.nonce[:])
	return crypto.Keccak256Hash(enc)
}

// packTransferWithAuth ABI-encodes the transferWithAuthorization call: one
// 32-byte slot per argument, addresses and uint8 right-aligned.
func packTransferWithAuth(a *authorization) []byte {
	var r, s [32]byte
	copy(r[:], a.sig[:32])
	copy(s[:], a.sig[32:64])
	v := a.sig[64]
	if v < 27 {
		v += 27 // the USDC contract expects 27/28
	}

	data := make([]byte, 4+9*32)
	copy(data[:4], transferWithAuthSelector)
	offset := 4
	copy(data[offset+12:offset+32], a.from.Bytes())
	offset += 32
	copy(data[offset+12:offset+32], a.to.Bytes())
	offset += 32
	copy(data[offset:offset+32], pad32(a.value))
	offset += 32
	copy(data[offset:offset+32], pad32(a.validAfter))
	offset += 32
	copy(data[offset:offset+32], pad32(a.validBefore))
	offset += 32
	copy(data[offset:offset+32], a.nonce[:])
	offset += 32
	data[offset+31] = v
	offset += 32
	copy(data[offset:offset+32], r[:])
	offset += 32
	copy(data[offset:offset+32], s[:])
	return data
}
