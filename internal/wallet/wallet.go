// Package wallet provides the buyer-side signing key abstraction: an
// address, a balance query against an ERC-20 token, and a guarded
// transfer submission. The negotiation core consumes it only through
// the narrow Wallet interface; this package supplies the concrete
// go-ethereum-backed implementation plus key construction ergonomics
// (generate / import from private key / import from environment).
package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

// erc20ABI is the minimal ERC-20 surface the wallet needs: balanceOf
// and transfer. Decoded once at package init.
const erc20ABIJSON = `[
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

var erc20ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("wallet: parse erc20 abi: %v", err))
	}
	erc20ABI = parsed
}

// TransferResult is the outcome of a token transfer submission.
type TransferResult struct {
	Success      bool
	TxHash       string
	ExplorerURL  string
	Error        string
	GasUsed      uint64
}

// Wallet is the interface the buyer path consumes. Token is a deployed
// ERC-20 contract address.
type Wallet interface {
	Address() string
	Balance(ctx context.Context, token common.Address, decimals int32) (decimal.Decimal, error)
	Transfer(ctx context.Context, to common.Address, amount decimal.Decimal, token common.Address, decimals int32) TransferResult
}

// EthWallet is the go-ethereum-backed Wallet implementation. It tracks
// a local nonce high-water mark so multiple transfers issued in rapid
// succession don't collide on the chain's lagging "pending" nonce view.
type EthWallet struct {
	client     *ethclient.Client
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	explorer   string

	nonceMu  sync.Mutex
	nextNonce *uint64
}

// Generate creates a fresh secp256k1 keypair. The returned private key
// is hex-encoded without a 0x prefix, matching common Ethereum key
// export conventions; callers are responsible for storing it securely
// and must never log it.
func Generate() (privateKeyHex string, address string, err error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return "", "", fmt.Errorf("wallet: generate key: %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	return fmt.Sprintf("%x", crypto.FromECDSA(key)), addr.Hex(), nil
}

// FromPrivateKey constructs an EthWallet from a hex-encoded private key
// (with or without 0x prefix) and an RPC client.
func FromPrivateKey(client *ethclient.Client, chainID *big.Int, explorer string, privateKeyHex string) (*EthWallet, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("wallet: parse private key: %w", err)
	}
	return &EthWallet{
		client:     client,
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		chainID:    chainID,
		explorer:   explorer,
	}, nil
}

// FromEnv builds an EthWallet from the APEX_PRIVATE_KEY environment
// variable.
func FromEnv(client *ethclient.Client, chainID *big.Int, explorer string) (*EthWallet, error) {
	pk := os.Getenv("APEX_PRIVATE_KEY")
	if pk == "" {
		return nil, fmt.Errorf("wallet: APEX_PRIVATE_KEY not set")
	}
	return FromPrivateKey(client, chainID, explorer, pk)
}

// Address returns the wallet's checksummed hex address.
func (w *EthWallet) Address() string { return w.address.Hex() }

// Balance queries the token's balanceOf for this wallet and converts
// the raw integer result to human units using decimals.
func (w *EthWallet) Balance(ctx context.Context, token common.Address, decimals int32) (decimal.Decimal, error) {
	data, err := erc20ABI.Pack("balanceOf", w.address)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("wallet: pack balanceOf: %w", err)
	}
	result, err := w.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("wallet: call balanceOf: %w", err)
	}
	vals, err := erc20ABI.Unpack("balanceOf", result)
	if err != nil || len(vals) == 0 {
		return decimal.Decimal{}, fmt.Errorf("wallet: unpack balanceOf: %w", err)
	}
	raw, ok := vals[0].(*big.Int)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("wallet: unexpected balanceOf return type")
	}
	return fromRawUnits(raw, decimals), nil
}

// Transfer submits an ERC-20 transfer(to, value), pre-checking balance,
// bumping suggested gas price ~20%, and advancing the local nonce
// high-water mark past the chain's pending view. It waits up to 30s for
// a receipt; on timeout it still returns success=true with the tx hash
// (submitted, not yet confirmed; the caller treats this as pending,
// not failed). A reverted transaction is reported as success=false with
// the tx hash retained.
func (w *EthWallet) Transfer(ctx context.Context, to common.Address, amount decimal.Decimal, token common.Address, decimals int32) TransferResult {
	balance, err := w.Balance(ctx, token, decimals)
	if err != nil {
		return TransferResult{Error: fmt.Sprintf("balance check failed: %v", err)}
	}
	if balance.LessThan(amount) {
		return TransferResult{Error: fmt.Sprintf("insufficient balance: have %s, need %s", balance, amount)}
	}

	value := toRawUnits(amount, decimals)
	data, err := erc20ABI.Pack("transfer", to, value)
	if err != nil {
		return TransferResult{Error: fmt.Sprintf("pack transfer: %v", err)}
	}

	nonce, err := w.nextTxNonce(ctx)
	if err != nil {
		return TransferResult{Error: fmt.Sprintf("nonce: %v", err)}
	}

	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return TransferResult{Error: fmt.Sprintf("suggest gas price: %v", err)}
	}
	bumped := new(big.Int).Mul(gasPrice, big.NewInt(120))
	bumped.Div(bumped, big.NewInt(100))

	gasLimit := uint64(100000)
	tx := types.NewTransaction(nonce, token, big.NewInt(0), gasLimit, bumped, data)

	signer := types.NewEIP155Signer(w.chainID)
	signedTx, err := types.SignTx(tx, signer, w.privateKey)
	if err != nil {
		return TransferResult{Error: fmt.Sprintf("sign tx: %v", err)}
	}

	if err := w.client.SendTransaction(ctx, signedTx); err != nil {
		return TransferResult{Error: fmt.Sprintf("send tx: %v", err)}
	}

	txHash := signedTx.Hash().Hex()
	explorerURL := ""
	if w.explorer != "" {
		explorerURL = strings.TrimRight(w.explorer, "/") + "/tx/" + txHash
	}

	receipt, err := waitForReceipt(ctx, w.client, signedTx.Hash(), 30*time.Second)
	if err != nil {
		// Timed out waiting, not necessarily failed: the tx may still
		// land, so report it as submitted.
		return TransferResult{Success: true, TxHash: txHash, ExplorerURL: explorerURL}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return TransferResult{Success: false, TxHash: txHash, ExplorerURL: explorerURL, GasUsed: receipt.GasUsed, Error: "transaction reverted"}
	}
	return TransferResult{Success: true, TxHash: txHash, ExplorerURL: explorerURL, GasUsed: receipt.GasUsed}
}

// nextTxNonce fetches the chain's pending nonce and advances a locally
// tracked high-water mark past it, so rapid-fire transfers never reuse
// a nonce the chain hasn't observed yet.
func (w *EthWallet) nextTxNonce(ctx context.Context) (uint64, error) {
	w.nonceMu.Lock()
	defer w.nonceMu.Unlock()

	pending, err := w.client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return 0, err
	}
	if w.nextNonce == nil || pending > *w.nextNonce {
		w.nextNonce = &pending
	}
	n := *w.nextNonce
	next := n + 1
	w.nextNonce = &next
	return n, nil
}

func waitForReceipt(ctx context.Context, client *ethclient.Client, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	deadline := time.Now().Add(timeout)
	for {
		receipt, err := client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("wallet: receipt wait timed out")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func toRawUnits(amount decimal.Decimal, decimals int32) *big.Int {
	scaled := amount.Shift(decimals)
	return scaled.BigInt()
}

func fromRawUnits(raw *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(raw, -decimals)
}
