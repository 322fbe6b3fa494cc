// Package settlement reconstructs and cryptographically verifies that a
// claimed payment on a public ledger matches the negotiated terms. It
// is the sole mutual-trust boundary between buyer and seller: the
// buyer's PaymentProof is never taken on faith.
package settlement

import (
	"context"
	"errors"
	"log"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

var (
	errShortInput  = errors.New("settlement: call data shorter than a method selector")
	errNotTransfer = errors.New("settlement: call is not an ERC-20 transfer")
)

// PaymentProof is the buyer's claim of an on-ledger transfer,
// interchanged out-of-band between buyer and seller.
type PaymentProof struct {
	JobID       string
	TxHash      string
	Network     string
	Amount      decimal.Decimal
	Currency    string
	FromAddress string
	ToAddress   string
}

// ReceiptFetcher is the narrow chain-query surface the verifier needs.
// Satisfied by *ethclient.Client; an interface so tests can supply a
// fake receipt/transaction pair without a live RPC endpoint.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (tx *types.Transaction, isPending bool, err error)
}

// Verifier checks PaymentProof claims against chain state, resolving
// network parameters from a static, read-only-after-init table.
type Verifier struct {
	Networks NetworkTable
	Dial     func(rpcURL string) (ReceiptFetcher, error)
	Tolerance decimal.Decimal
	Logger   *log.Logger
}

// NewVerifier constructs a Verifier against the given network table,
// dialing live ethclient.Client connections by default.
func NewVerifier(networks NetworkTable, logger *log.Logger) *Verifier {
	if logger == nil {
		logger = log.Default()
	}
	return &Verifier{
		Networks:  networks,
		Tolerance: decimal.NewFromFloat(0.01),
		Logger:    logger,
		Dial: func(rpcURL string) (ReceiptFetcher, error) {
			return ethclient.Dial(rpcURL)
		},
	}
}

// Verify resolves the network, fetches the receipt and transaction,
// and checks status, recipient, amount, and sender in turn. Any step
// failure returns false with no diagnostic leakage beyond a logged
// message; the boolean is the entire contract with callers.
func (v *Verifier) Verify(ctx context.Context, proof PaymentProof, expectedSeller string) bool {
	net, ok := v.Networks[proof.Network]
	if !ok {
		v.Logger.Printf("Settlement: unknown network %q", proof.Network)
		return false
	}

	client, err := v.Dial(net.RPCURL)
	if err != nil {
		v.Logger.Printf("Settlement: dial %q: %v", proof.Network, err)
		return false
	}

	txHash := common.HexToHash(proof.TxHash)
	receipt, err := client.TransactionReceipt(ctx, txHash)
	if err != nil || receipt == nil {
		v.Logger.Printf("Settlement: receipt for %s absent or pending: %v", proof.TxHash, err)
		return false
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		v.Logger.Printf("Settlement: tx %s did not succeed", proof.TxHash)
		return false
	}

	tx, _, err := client.TransactionByHash(ctx, txHash)
	if err != nil || tx == nil {
		v.Logger.Printf("Settlement: transaction %s unavailable: %v", proof.TxHash, err)
		return false
	}

	to := tx.To()
	if to == nil || !strings.EqualFold(to.Hex(), net.TokenContract) {
		v.Logger.Printf("Settlement: tx %s not addressed to token contract", proof.TxHash)
		return false
	}

	decodedTo, decodedValue, err := decodeTransferCall(tx.Data())
	if err != nil {
		v.Logger.Printf("Settlement: decode transfer call for %s: %v", proof.TxHash, err)
		return false
	}

	if expectedSeller != "" && !strings.EqualFold(decodedTo.Hex(), expectedSeller) {
		v.Logger.Printf("Settlement: decoded recipient does not match expected seller")
		return false
	}
	if !strings.EqualFold(decodedTo.Hex(), proof.ToAddress) {
		v.Logger.Printf("Settlement: decoded recipient does not match proof.to_address")
		return false
	}

	decodedAmount := decimal.NewFromBigInt(decodedValue, -net.Decimals)
	if decodedAmount.Sub(proof.Amount).Abs().GreaterThan(v.Tolerance) {
		v.Logger.Printf("Settlement: amount mismatch: decoded %s vs claimed %s", decodedAmount, proof.Amount)
		return false
	}

	from, err := senderOf(tx, net.ChainIDBig())
	if err != nil {
		v.Logger.Printf("Settlement: recover sender for %s: %v", proof.TxHash, err)
		return false
	}
	if !strings.EqualFold(from.Hex(), proof.FromAddress) {
		v.Logger.Printf("Settlement: sender mismatch")
		return false
	}

	return true
}

// erc20ABIJSON is the minimal ERC-20 transfer surface the verifier
// decodes calls against.
const erc20ABIJSON = `[
	{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// decodeTransferCall decodes an ERC-20 transfer(address,uint256) call's
// input data. Returns an error for any input that is not that exact
// call signature.
func decodeTransferCall(data []byte) (common.Address, *big.Int, error) {
	if len(data) < 4 {
		return common.Address{}, nil, errShortInput
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return common.Address{}, nil, err
	}
	method, err := parsed.MethodById(data[:4])
	if err != nil {
		return common.Address{}, nil, err
	}
	if method.Name != "transfer" {
		return common.Address{}, nil, errNotTransfer
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return common.Address{}, nil, err
	}
	return args[0].(common.Address), args[1].(*big.Int), nil
}

// senderOf recovers tx.From using the signer for the chain the
// transaction was signed on.
func senderOf(tx *types.Transaction, chainID *big.Int) (common.Address, error) {
	signer := types.NewEIP155Signer(chainID)
	return types.Sender(signer, tx)
}
