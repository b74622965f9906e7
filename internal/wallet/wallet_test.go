package wallet

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devlongs/amm-router/internal/ledger/ledgertest"
	"github.com/devlongs/amm-router/pkg/types"
)

const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func testAddress(t *testing.T) common.Address {
	t.Helper()
	key, err := crypto.HexToECDSA(testKey)
	require.NoError(t, err)
	return crypto.PubkeyToAddress(key.PublicKey)
}

type nonceFunc func(ctx context.Context, account common.Address) (uint64, error)

func (f nonceFunc) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	return f(ctx, account)
}

type brokenHandle struct{ address common.Address }

func (b brokenHandle) Address() common.Address { return b.address }

func (b brokenHandle) SignTx(*ethtypes.Transaction, ethtypes.Signer) (*ethtypes.Transaction, error) {
	return nil, errors.New("hsm offline")
}

func prepared(from common.Address, nonce uint64) *types.PreparedTransaction {
	return &types.PreparedTransaction{
		ChainID:              big.NewInt(1),
		From:                 from,
		To:                   common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"),
		Data:                 []byte{0x01},
		Nonce:                nonce,
		GasLimit:             200_000,
		MaxFeePerGas:         big.NewInt(40_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
	}
}

func TestAddKeysAndLookup(t *testing.T) {
	ring := NewKeyring(ledgertest.New())
	require.NoError(t, ring.AddKeys("0x"+testKey))

	w, err := ring.Lookup(testAddress(t))
	require.NoError(t, err)
	assert.Equal(t, testAddress(t), w.Address())
	assert.Equal(t, []common.Address{testAddress(t)}, ring.Addresses())

	_, err = ring.Lookup(common.HexToAddress("0x01"))
	require.ErrorIs(t, err, types.ErrWalletNotFound)

	err = ring.AddKeys("not-a-key")
	require.ErrorIs(t, err, types.ErrSigning)
}

func TestSignRecoversSender(t *testing.T) {
	ring := NewKeyring(ledgertest.New())
	require.NoError(t, ring.AddKeys(testKey))
	w, err := ring.Lookup(testAddress(t))
	require.NoError(t, err)

	signed, err := w.Sign(prepared(w.Address(), 3))
	require.NoError(t, err)

	sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(big.NewInt(1)), signed.Tx)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), sender)
	assert.Equal(t, uint64(3), signed.Tx.Nonce())
	assert.NotEqual(t, signed.PreparedHash, signed.Hash())
}

func TestSignFailures(t *testing.T) {
	ring := NewKeyring(ledgertest.New())
	broken := ring.Add(brokenHandle{address: common.HexToAddress("0x02")})

	_, err := broken.Sign(prepared(broken.Address(), 0))
	require.ErrorIs(t, err, types.ErrSigning)

	_, err = broken.Sign(prepared(common.HexToAddress("0x03"), 0))
	require.ErrorIs(t, err, types.ErrSigning)
}

func TestLeaseNonceLifecycle(t *testing.T) {
	node := ledgertest.New()
	ring := NewKeyring(node)
	require.NoError(t, ring.AddKeys(testKey))
	w, err := ring.Lookup(testAddress(t))
	require.NoError(t, err)
	ctx := context.Background()

	node.SetNonce(w.Address(), 7)
	lease, err := w.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), lease.Nonce())
	lease.Commit()
	lease.Release()
	lease.Release()

	node.SetNonce(w.Address(), 100)
	lease, err = w.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), lease.Nonce(), "local nonce is authoritative while synced")
	lease.Invalidate()
	lease.Release()

	lease, err = w.Acquire(ctx)
	require.NoError(t, err)
	defer lease.Release()
	assert.Equal(t, uint64(100), lease.Nonce())

	node.SetNonce(w.Address(), 120)
	nonce, err := lease.Resync(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(120), nonce)
	assert.Equal(t, uint64(120), lease.Nonce())
}

func TestAcquireIsExclusive(t *testing.T) {
	ring := NewKeyring(ledgertest.New())
	w := ring.Add(brokenHandle{address: common.HexToAddress("0x02")})

	held, err := w.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = w.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	held.Release()
	again, err := w.Acquire(context.Background())
	require.NoError(t, err)
	again.Release()
}

func TestAcquireSeedFailureReleases(t *testing.T) {
	fail := true
	ring := NewKeyring(nonceFunc(func(context.Context, common.Address) (uint64, error) {
		if fail {
			return 0, ledgertest.ErrUnavailable
		}
		return 5, nil
	}))
	w := ring.Add(brokenHandle{address: common.HexToAddress("0x02")})

	_, err := w.Acquire(context.Background())
	require.ErrorIs(t, err, types.ErrNodeUnavailable)

	fail = false
	lease, err := w.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()
	assert.Equal(t, uint64(5), lease.Nonce())
}

func TestConcurrentLeasesAreSequential(t *testing.T) {
	ring := NewKeyring(ledgertest.New())
	w := ring.Add(brokenHandle{address: common.HexToAddress("0x02")})

	const workers = 32
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		nonces []uint64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := w.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			defer lease.Release()
			mu.Lock()
			nonces = append(nonces, lease.Nonce())
			mu.Unlock()
			lease.Commit()
		}()
	}
	wg.Wait()

	require.Len(t, nonces, workers)
	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
	for i, n := range nonces {
		assert.Equal(t, uint64(i), n)
	}
}
