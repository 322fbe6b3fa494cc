package settlement

import (
	"context"
	"errors"
	"io"
	"log"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

const testTransferABI = `[
	{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// fakeFetcher serves a single canned receipt/transaction pair, keyed by
// tx hash, so Verify can be exercised without a live RPC endpoint.
type fakeFetcher struct {
	receipt *types.Receipt
	tx      *types.Transaction
	txHash  common.Hash
}

func (f *fakeFetcher) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if txHash != f.txHash {
		return nil, errors.New("not found")
	}
	return f.receipt, nil
}

func (f *fakeFetcher) TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error) {
	if txHash != f.txHash {
		return nil, false, errors.New("not found")
	}
	return f.tx, false, nil
}

type settledTx struct {
	tx     *types.Transaction
	hash   common.Hash
	from   common.Address
	to     common.Address
	amount *big.Int
}

func buildSignedTransfer(t *testing.T, chainID *big.Int, tokenContract common.Address, recipient common.Address, rawAmount *big.Int) settledTx {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(testTransferABI))
	if err != nil {
		t.Fatal(err)
	}
	data, err := parsed.Pack("transfer", recipient, rawAmount)
	if err != nil {
		t.Fatal(err)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	tx := types.NewTransaction(0, tokenContract, big.NewInt(0), 100000, big.NewInt(1), data)
	signer := types.NewEIP155Signer(chainID)
	signedTx, err := types.SignTx(tx, signer, key)
	if err != nil {
		t.Fatal(err)
	}
	return settledTx{tx: signedTx, hash: signedTx.Hash(), from: from, to: tokenContract, amount: rawAmount}
}

func testVerifier(fetcher ReceiptFetcher, net NetworkConfig) *Verifier {
	return &Verifier{
		Networks:  NetworkTable{"test": net},
		Tolerance: decimal.NewFromFloat(0.01),
		Logger:    log.New(io.Discard, "", 0),
		Dial: func(rpcURL string) (ReceiptFetcher, error) {
			return fetcher, nil
		},
	}
}

func TestVerifySucceedsOnMatchingTransfer(t *testing.T) {
	net := NetworkConfig{ChainID: 8453, RPCURL: "https://example", TokenContract: "0x1000000000000000000000000000000000000A", Decimals: 6}
	tokenContract := common.HexToAddress(net.TokenContract)
	recipient := common.HexToAddress("0x2000000000000000000000000000000000000B")
	st := buildSignedTransfer(t, net.ChainIDBig(), tokenContract, recipient, big.NewInt(10_000000))

	fetcher := &fakeFetcher{
		receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful},
		tx:      st.tx,
		txHash:  st.hash,
	}
	v := testVerifier(fetcher, net)
	proof := PaymentProof{
		TxHash:      st.hash.Hex(),
		Network:     "test",
		Amount:      decimal.NewFromInt(10),
		ToAddress:   recipient.Hex(),
		FromAddress: st.from.Hex(),
	}
	if !v.Verify(context.Background(), proof, recipient.Hex()) {
		t.Fatalf("expected matching transfer to verify")
	}
}

func TestVerifyFailsOnUnknownNetwork(t *testing.T) {
	v := testVerifier(&fakeFetcher{}, NetworkConfig{})
	proof := PaymentProof{Network: "nowhere"}
	if v.Verify(context.Background(), proof, "") {
		t.Fatalf("expected unknown network to fail verification")
	}
}

func TestVerifyFailsOnRevertedTransaction(t *testing.T) {
	net := NetworkConfig{ChainID: 8453, RPCURL: "https://example", TokenContract: "0x1000000000000000000000000000000000000A", Decimals: 6}
	tokenContract := common.HexToAddress(net.TokenContract)
	recipient := common.HexToAddress("0x2000000000000000000000000000000000000B")
	st := buildSignedTransfer(t, net.ChainIDBig(), tokenContract, recipient, big.NewInt(10_000000))

	fetcher := &fakeFetcher{
		receipt: &types.Receipt{Status: types.ReceiptStatusFailed},
		tx:      st.tx,
		txHash:  st.hash,
	}
	v := testVerifier(fetcher, net)
	proof := PaymentProof{
		TxHash:      st.hash.Hex(),
		Network:     "test",
		Amount:      decimal.NewFromInt(10),
		ToAddress:   recipient.Hex(),
		FromAddress: st.from.Hex(),
	}
	if v.Verify(context.Background(), proof, recipient.Hex()) {
		t.Fatalf("expected reverted transaction to fail verification")
	}
}

func TestVerifyFailsOnAmountMismatchBeyondTolerance(t *testing.T) {
	net := NetworkConfig{ChainID: 8453, RPCURL: "https://example", TokenContract: "0x1000000000000000000000000000000000000A", Decimals: 6}
	tokenContract := common.HexToAddress(net.TokenContract)
	recipient := common.HexToAddress("0x2000000000000000000000000000000000000B")
	st := buildSignedTransfer(t, net.ChainIDBig(), tokenContract, recipient, big.NewInt(10_000000))

	fetcher := &fakeFetcher{
		receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful},
		tx:      st.tx,
		txHash:  st.hash,
	}
	v := testVerifier(fetcher, net)
	proof := PaymentProof{
		TxHash:      st.hash.Hex(),
		Network:     "test",
		Amount:      decimal.NewFromInt(9), // claimed 9, actual transfer 10
		ToAddress:   recipient.Hex(),
		FromAddress: st.from.Hex(),
	}
	if v.Verify(context.Background(), proof, recipient.Hex()) {
		t.Fatalf("expected amount mismatch beyond tolerance to fail verification")
	}
}

func TestVerifyFailsOnRecipientMismatch(t *testing.T) {
	net := NetworkConfig{ChainID: 8453, RPCURL: "https://example", TokenContract: "0x1000000000000000000000000000000000000A", Decimals: 6}
	tokenContract := common.HexToAddress(net.TokenContract)
	recipient := common.HexToAddress("0x2000000000000000000000000000000000000B")
	other := common.HexToAddress("0x3000000000000000000000000000000000000C")
	st := buildSignedTransfer(t, net.ChainIDBig(), tokenContract, recipient, big.NewInt(10_000000))

	fetcher := &fakeFetcher{
		receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful},
		tx:      st.tx,
		txHash:  st.hash,
	}
	v := testVerifier(fetcher, net)
	proof := PaymentProof{
		TxHash:      st.hash.Hex(),
		Network:     "test",
		Amount:      decimal.NewFromInt(10),
		ToAddress:   recipient.Hex(),
		FromAddress: st.from.Hex(),
	}
	// expectedSeller doesn't match the actual on-chain recipient.
	if v.Verify(context.Background(), proof, other.Hex()) {
		t.Fatalf("expected seller-address mismatch to fail verification")
	}
}

func TestVerifyFailsOnSenderMismatch(t *testing.T) {
	net := NetworkConfig{ChainID: 8453, RPCURL: "https://example", TokenContract: "0x1000000000000000000000000000000000000A", Decimals: 6}
	tokenContract := common.HexToAddress(net.TokenContract)
	recipient := common.HexToAddress("0x2000000000000000000000000000000000000B")
	st := buildSignedTransfer(t, net.ChainIDBig(), tokenContract, recipient, big.NewInt(10_000000))

	fetcher := &fakeFetcher{
		receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful},
		tx:      st.tx,
		txHash:  st.hash,
	}
	v := testVerifier(fetcher, net)
	proof := PaymentProof{
		TxHash:      st.hash.Hex(),
		Network:     "test",
		Amount:      decimal.NewFromInt(10),
		ToAddress:   recipient.Hex(),
		FromAddress: "0x4000000000000000000000000000000000000D", // wrong claimed sender
	}
	if v.Verify(context.Background(), proof, recipient.Hex()) {
		t.Fatalf("expected sender mismatch to fail verification")
	}
}

func TestDecodeTransferCallRejectsShortInput(t *testing.T) {
	if _, _, err := decodeTransferCall([]byte{0x01, 0x02}); !errors.Is(err, errShortInput) {
		t.Fatalf("expected errShortInput, got %v", err)
	}
}

func TestDecodeTransferCallRejectsNonTransferSelector(t *testing.T) {
	if _, _, err := decodeTransferCall([]byte{0xde, 0xad, 0xbe, 0xef, 0x00}); err == nil {
		t.Fatalf("expected an error for an unrecognized selector")
	}
}
