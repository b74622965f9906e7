// Package wallet holds signing keys and serializes nonce allocation per sender.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"

	"github.com/devlongs/amm-router/pkg/types"
)

// KeyHandle signs transactions for one address. Signing is local.
type KeyHandle interface {
	Address() common.Address
	SignTx(tx *ethtypes.Transaction, signer ethtypes.Signer) (*ethtypes.Transaction, error)
}

type privateKey struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewPrivateKeyHandle parses a hex-encoded secp256k1 key, with or without 0x.
func NewPrivateKeyHandle(hexKey string) (KeyHandle, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, types.ErrSigning.Wrapf("invalid private key: %v", err)
	}
	return &privateKey{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (k *privateKey) Address() common.Address { return k.address }

func (k *privateKey) SignTx(tx *ethtypes.Transaction, signer ethtypes.Signer) (*ethtypes.Transaction, error) {
	return ethtypes.SignTx(tx, signer, k.key)
}

// NonceSource reports the pending nonce of an account.
type NonceSource interface {
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
}

// Wallet is a sending address, its key handle and its next nonce.
type Wallet struct {
	handle KeyHandle
	source NonceSource

	// sem guards nextNonce and synced; holding it is the nonce critical section.
	sem       chan struct{}
	nextNonce uint64
	synced    bool
}

// Address returns the sending address.
func (w *Wallet) Address() common.Address {
	return w.handle.Address()
}

// Sign signs prepared for its chain. It never contacts the network.
func (w *Wallet) Sign(prepared *types.PreparedTransaction) (*types.SignedTransaction, error) {
	if prepared.From != w.Address() {
		return nil, types.ErrSigning.Wrapf("transaction from %s cannot be signed by %s", prepared.From.Hex(), w.Address().Hex())
	}
	signer := ethtypes.LatestSignerForChainID(prepared.ChainID)
	unsigned := prepared.UnsignedTx()
	signed, err := w.handle.SignTx(unsigned, signer)
	if err != nil {
		return nil, types.ErrSigning.Wrap(err.Error())
	}
	return &types.SignedTransaction{Tx: signed, PreparedHash: signer.Hash(unsigned)}, nil
}

// Acquire enters the wallet's nonce critical section. Only one lease per
// wallet exists at a time; the caller must Release it. The nonce is seeded
// from the node's pending nonce on first use or after Invalidate.
func (w *Wallet) Acquire(ctx context.Context) (*Lease, error) {
	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	lease := &Lease{wallet: w}
	if !w.synced {
		if _, err := lease.Resync(ctx); err != nil {
			lease.Release()
			return nil, err
		}
	}
	return lease, nil
}

// Lease is exclusive ownership of a wallet's next nonce.
type Lease struct {
	wallet   *Wallet
	released bool
}

// Nonce returns the nonce the next transaction must use.
func (l *Lease) Nonce() uint64 {
	return l.wallet.nextNonce
}

// Commit consumes the current nonce after a successful broadcast.
func (l *Lease) Commit() {
	l.wallet.nextNonce++
}

// Resync reloads the nonce from the node, as after a nonce-too-low rejection.
func (l *Lease) Resync(ctx context.Context) (uint64, error) {
	w := l.wallet
	pending, err := w.source.PendingNonce(ctx, w.Address())
	if err != nil {
		w.synced = false
		return 0, types.ErrNodeUnavailable.Wrapf("pending nonce of %s: %v", w.Address().Hex(), err)
	}
	if pending != w.nextNonce && w.synced {
		log.Info().
			Str("wallet", w.Address().Hex()).
			Uint64("local", w.nextNonce).
			Uint64("pending", pending).
			Msg("Resynced wallet nonce")
	}
	w.nextNonce = pending
	w.synced = true
	return pending, nil
}

// Invalidate forces a resync on the next Acquire. Used when the outcome
// of a broadcast is unknown.
func (l *Lease) Invalidate() {
	l.wallet.synced = false
}

// Release leaves the critical section. It is safe to call more than once.
func (l *Lease) Release() {
	if l.released {
		return
	}
	l.released = true
	<-l.wallet.sem
}

// Keyring maps sender addresses to wallets.
type Keyring struct {
	source NonceSource

	mu      sync.RWMutex
	wallets map[common.Address]*Wallet
}

// NewKeyring creates an empty keyring.
func NewKeyring(source NonceSource) *Keyring {
	return &Keyring{source: source, wallets: make(map[common.Address]*Wallet)}
}

// Add registers a key handle and returns its wallet. Adding the same
// address twice keeps the first wallet and its nonce state.
func (k *Keyring) Add(handle KeyHandle) *Wallet {
	k.mu.Lock()
	defer k.mu.Unlock()

	if w, ok := k.wallets[handle.Address()]; ok {
		return w
	}
	w := &Wallet{handle: handle, source: k.source, sem: make(chan struct{}, 1)}
	k.wallets[handle.Address()] = w
	return w
}

// AddKeys parses and registers hex private keys.
func (k *Keyring) AddKeys(hexKeys ...string) error {
	for _, hexKey := range hexKeys {
		handle, err := NewPrivateKeyHandle(hexKey)
		if err != nil {
			return err
		}
		w := k.Add(handle)
		log.Info().Str("wallet", w.Address().Hex()).Msg("Loaded wallet")
	}
	return nil
}

// Lookup returns the wallet for address or ErrWalletNotFound.
func (k *Keyring) Lookup(address common.Address) (*Wallet, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	w, ok := k.wallets[address]
	if !ok {
		return nil, types.ErrWalletNotFound.Wrap(address.Hex())
	}
	return w, nil
}

// Addresses lists registered senders in ascending order.
func (k *Keyring) Addresses() []common.Address {
	k.mu.RLock()
	defer k.mu.RUnlock()

	out := make([]common.Address, 0, len(k.wallets))
	for addr := range k.wallets {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}
