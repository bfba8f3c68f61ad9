package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/execution"
	"github.com/ggonzalez94/routex/internal/execution/signer"
	"github.com/ggonzalez94/routex/internal/route"
)

const testPrivateKey = "59c6995e998f97a5a0044976f0945388cf9b7e5e5f4f9d2d9d8f1f5b7f6d11d1"

var (
	testChainID = big.NewInt(8453)
	testToken   = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
)

type testRPCDataError struct {
	msg  string
	data any
}

func (e testRPCDataError) Error() string { return e.msg }

func (e testRPCDataError) ErrorData() interface{} { return e.data }

type fakeBackend struct {
	mu        sync.Mutex
	callOut   []byte
	callErr   error
	nonce     uint64
	pending   uint64
	head      uint64
	blocks    map[uint64]*types.Block
	txs       map[common.Hash]*types.Transaction
	receipts  map[common.Hash]*types.Receipt
	sent      []*types.Transaction
	lastCall  ethereum.CallMsg
	native    *big.Int
	tipErr    error
	sendError error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		blocks:   map[uint64]*types.Block{},
		txs:      map[common.Hash]*types.Transaction{},
		receipts: map[common.Hash]*types.Receipt{},
		native:   big.NewInt(0),
	}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return testChainID, nil }

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.native, nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCall = msg
	return f.callOut, f.callErr
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	if f.tipErr != nil {
		return nil, f.tipErr
	}
	return big.NewInt(1_000_000), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(int64(f.head)), BaseFee: big.NewInt(10_000_000)}, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.pending, nil
}

func (f *fakeBackend) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendError != nil {
		return f.sendError
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx, ok := f.txs[hash]; ok {
		return tx, true, nil
	}
	return nil, false, ethereum.NotFound
}

func (f *fakeBackend) BlockByNumber(_ context.Context, number *big.Int) (*types.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.blocks[number.Uint64()]; ok {
		return b, nil
	}
	return types.NewBlockWithHeader(&types.Header{Number: new(big.Int).Set(number)}), nil
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func testKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.HexToECDSA(testPrivateKey)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	return key
}

func newTestClient(t *testing.T, backend *fakeBackend) (*Client, *ecdsa.PrivateKey) {
	t.Helper()
	key := testKey(t)
	opts := DefaultOptions()
	opts.ReceiptPollInterval = time.Millisecond
	opts.ReceiptTimeout = 2 * time.Second
	c, err := NewClient(context.Background(), backend, signer.FromPrivateKey(key), opts)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c, key
}

func signTx(t *testing.T, key *ecdsa.PrivateKey, nonce uint64, to common.Address, value *big.Int, data []byte, tip int64) *types.Transaction {
	t.Helper()
	tx, err := types.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   testChainID,
		Nonce:     nonce,
		GasTipCap: big.NewInt(tip),
		GasFeeCap: big.NewInt(tip * 10),
		Gas:       60_000,
		To:        &to,
		Value:     value,
		Data:      data,
	}), types.LatestSignerForChainID(testChainID), key)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	return tx
}

func TestBalanceNativeAndERC20(t *testing.T) {
	backend := newFakeBackend()
	backend.native = big.NewInt(42)
	out, err := erc20ABI.Methods["balanceOf"].Outputs.Pack(big.NewInt(1_000_000))
	if err != nil {
		t.Fatalf("pack output: %v", err)
	}
	backend.callOut = out
	c, _ := newTestClient(t, backend)

	native, err := c.Balance(context.Background(), route.Token{Address: "0x0000000000000000000000000000000000000000"})
	if err != nil || native.Int64() != 42 {
		t.Fatalf("unexpected native balance %v, err=%v", native, err)
	}
	bal, err := c.Balance(context.Background(), route.Token{Address: testToken.Hex()})
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if bal.Int64() != 1_000_000 {
		t.Fatalf("unexpected token balance %s", bal)
	}
	if backend.lastCall.To == nil || *backend.lastCall.To != testToken {
		t.Fatalf("expected call to token contract, got %+v", backend.lastCall.To)
	}
}

func TestSendTransactionSignsDynamicFeeTx(t *testing.T) {
	backend := newFakeBackend()
	backend.pending = 7
	backend.tipErr = errors.New("unsupported")
	c, key := newTestClient(t, backend)

	hash, err := c.SendTransaction(context.Background(), execution.TxRequest{
		ChainID: 8453,
		To:      testToken.Hex(),
		Data:    "0xdeadbeef",
		Value:   big.NewInt(5),
	})
	if err != nil {
		t.Fatalf("SendTransaction failed: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(backend.sent))
	}
	tx := backend.sent[0]
	if tx.Hash().Hex() != hash {
		t.Fatalf("hash mismatch: %s vs %s", tx.Hash().Hex(), hash)
	}
	if tx.Nonce() != 7 || tx.Gas() != uint64(float64(100_000)*1.2) {
		t.Fatalf("unexpected nonce/gas: %d/%d", tx.Nonce(), tx.Gas())
	}
	if tx.GasTipCap().Int64() != 2_000_000_000 {
		t.Fatalf("expected 2 gwei fallback tip, got %s", tx.GasTipCap())
	}
	if want := int64(2*10_000_000 + 2_000_000_000); tx.GasFeeCap().Int64() != want {
		t.Fatalf("expected fee cap %d, got %s", want, tx.GasFeeCap())
	}
	from, _ := types.Sender(types.LatestSignerForChainID(testChainID), tx)
	if from != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("unexpected sender %s", from)
	}
}

func TestSendTransactionRejectsOtherChain(t *testing.T) {
	c, _ := newTestClient(t, newFakeBackend())
	_, err := c.SendTransaction(context.Background(), execution.TxRequest{ChainID: 1, To: testToken.Hex()})
	if clierr.CodeOf(err) != clierr.CodeChainSwitch {
		t.Fatalf("expected chain switch error, got %v", err)
	}
}

func TestSendTransactionSimulationDecodesRevert(t *testing.T) {
	backend := newFakeBackend()
	backend.callErr = testRPCDataError{msg: "execution reverted", data: "0x" + common.Bytes2Hex(encodeErrorString(t, "slippage too high"))}
	c, _ := newTestClient(t, backend)
	_, err := c.SendTransaction(context.Background(), execution.TxRequest{To: testToken.Hex(), Data: "0x"})
	if clierr.CodeOf(err) != clierr.CodeTransactionFailed {
		t.Fatalf("expected transaction failed, got %v", err)
	}
	if !strings.Contains(err.Error(), "slippage too high") {
		t.Fatalf("expected decoded reason, got %v", err)
	}
	if len(backend.sent) != 0 {
		t.Fatal("expected no broadcast after failed simulation")
	}
}

func TestWaitForReceiptReturnsMinedReceipt(t *testing.T) {
	backend := newFakeBackend()
	c, key := newTestClient(t, backend)
	tx := signTx(t, key, 0, testToken, big.NewInt(0), nil, 1)
	backend.receipts[tx.Hash()] = &types.Receipt{TxHash: tx.Hash(), Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(9)}

	receipt, err := c.WaitForReceipt(context.Background(), tx.Hash().Hex(), nil)
	if err != nil {
		t.Fatalf("WaitForReceipt failed: %v", err)
	}
	if !receipt.Succeeded() || receipt.BlockNumber != 9 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
}

func TestWaitForReceiptDetectsReplacement(t *testing.T) {
	cases := []struct {
		name  string
		build func(t *testing.T, key *ecdsa.PrivateKey, from common.Address) *types.Transaction
		want  execution.ReplacementReason
	}{
		{
			name: "cancelled",
			build: func(t *testing.T, key *ecdsa.PrivateKey, from common.Address) *types.Transaction {
				return signTx(t, key, 5, from, big.NewInt(0), nil, 3)
			},
			want: execution.ReplacementCancelled,
		},
		{
			name: "repriced",
			build: func(t *testing.T, key *ecdsa.PrivateKey, _ common.Address) *types.Transaction {
				return signTx(t, key, 5, testToken, big.NewInt(0), []byte{0xde, 0xad}, 3)
			},
			want: execution.ReplacementRepriced,
		},
		{
			name: "replaced",
			build: func(t *testing.T, key *ecdsa.PrivateKey, _ common.Address) *types.Transaction {
				return signTx(t, key, 5, testToken, big.NewInt(0), []byte{0xbe, 0xef}, 3)
			},
			want: execution.ReplacementReplaced,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend := newFakeBackend()
			c, key := newTestClient(t, backend)
			from := crypto.PubkeyToAddress(key.PublicKey)
			original := signTx(t, key, 5, testToken, big.NewInt(0), []byte{0xde, 0xad}, 1)
			replacement := tc.build(t, key, from)

			backend.txs[original.Hash()] = original
			backend.head = 20
			backend.nonce = 6
			backend.blocks[18] = types.NewBlockWithHeader(&types.Header{Number: big.NewInt(18)}).
				WithBody(types.Body{Transactions: []*types.Transaction{replacement}})
			backend.receipts[replacement.Hash()] = &types.Receipt{TxHash: replacement.Hash(), Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(18)}

			var got []execution.Replacement
			receipt, err := c.WaitForReceipt(context.Background(), original.Hash().Hex(), func(r execution.Replacement) {
				got = append(got, r)
			})
			if err != nil {
				t.Fatalf("WaitForReceipt failed: %v", err)
			}
			if len(got) != 1 || got[0].Reason != tc.want {
				t.Fatalf("expected one %s replacement, got %+v", tc.want, got)
			}
			if got[0].TxHash != replacement.Hash().Hex() || receipt.TxHash != replacement.Hash().Hex() {
				t.Fatalf("expected replacement hash %s, got %+v / %+v", replacement.Hash().Hex(), got[0], receipt)
			}
		})
	}
}

func TestWaitForReceiptTimesOut(t *testing.T) {
	backend := newFakeBackend()
	key := testKey(t)
	opts := DefaultOptions()
	opts.ReceiptPollInterval = time.Millisecond
	opts.ReceiptTimeout = 20 * time.Millisecond
	c, err := NewClient(context.Background(), backend, signer.FromPrivateKey(key), opts)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	hash := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	if _, err := c.WaitForReceipt(context.Background(), hash, nil); clierr.CodeOf(err) != clierr.CodeTransactionFailed {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestNormalizeTxHash(t *testing.T) {
	if _, ok := normalizeTxHash("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"); !ok {
		t.Fatal("expected valid tx hash to parse")
	}
	if _, ok := normalizeTxHash("0x1234"); ok {
		t.Fatal("expected short tx hash to fail")
	}
}

func TestResolveFeeCapOverrides(t *testing.T) {
	tip, err := parseGwei("1.5")
	if err != nil || tip.Int64() != 1_500_000_000 {
		t.Fatalf("unexpected tip %v err=%v", tip, err)
	}
	if _, err := resolveFeeCap(big.NewInt(1), tip, "1"); clierr.CodeOf(err) != clierr.CodeValidation {
		t.Fatalf("expected fee cap below tip to be rejected, got %v", err)
	}
	if _, err := parseGwei("0.0000000001"); err == nil {
		t.Fatal("expected sub-wei value to fail")
	}
}

func TestAcquireSignerNonceLockSerializesSameSignerChain(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	unlock := acquireSignerNonceLock(big.NewInt(1), addr)
	secondAcquired := make(chan struct{})
	go func() {
		unlockSecond := acquireSignerNonceLock(big.NewInt(1), addr)
		close(secondAcquired)
		unlockSecond()
	}()

	select {
	case <-secondAcquired:
		t.Fatal("expected second lock attempt to block while first lock is held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-secondAcquired:
	case <-time.After(250 * time.Millisecond):
		t.Fatal("expected second lock attempt to acquire after unlock")
	}
}

func encodeErrorString(t *testing.T, reason string) []byte {
	t.Helper()
	stringTy, err := abi.NewType("string", "", nil)
	if err != nil {
		t.Fatalf("create abi string type: %v", err)
	}
	encoded, err := abi.Arguments{{Type: stringTy}}.Pack(reason)
	if err != nil {
		t.Fatalf("pack revert reason: %v", err)
	}
	return append(common.FromHex("0x08c379a0"), encoded...)
}
