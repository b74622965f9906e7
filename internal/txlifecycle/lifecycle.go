// Package txlifecycle drives a transaction from construction to an observed outcome.
//
//	Built -> Prepared -> Signed -> Simulated -> Submitted -> Confirmed | Failed | TimedOut
//
// A nonce-too-low broadcast rejection re-enters Built with a refreshed
// nonce; no other transition is retried.
package txlifecycle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/devlongs/amm-router/internal/config"
	"github.com/devlongs/amm-router/internal/gas"
	"github.com/devlongs/amm-router/internal/ledger"
	"github.com/devlongs/amm-router/internal/metrics"
	"github.com/devlongs/amm-router/internal/wallet"
	"github.com/devlongs/amm-router/pkg/types"
)

// State is a lifecycle state.
type State string

const (
	StateBuilt     State = "built"
	StatePrepared  State = "prepared"
	StateSigned    State = "signed"
	StateSimulated State = "simulated"
	StateSubmitted State = "submitted"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

var transitions = map[State][]State{
	StateBuilt:     {StatePrepared, StateFailed},
	StatePrepared:  {StateSigned, StateFailed},
	StateSigned:    {StateSimulated, StateFailed},
	StateSimulated: {StateSubmitted, StateBuilt, StateFailed},
	StateSubmitted: {StateConfirmed, StateFailed, StateTimedOut},
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// tracker records the path a single transaction takes through the machine.
type tracker struct {
	from    common.Address
	state   State
	history []State
}

func newTracker(from common.Address) *tracker {
	return &tracker{from: from, state: StateBuilt, history: []State{StateBuilt}}
}

func (t *tracker) to(next State) {
	if !CanTransition(t.state, next) {
		panic(fmt.Sprintf("txlifecycle: illegal transition %s -> %s", t.state, next))
	}
	log.Debug().
		Str("from", t.from.Hex()).
		Str("state", string(t.state)).
		Str("next", string(next)).
		Msg("Transaction transition")
	t.state = next
	t.history = append(t.history, next)
}

// fail moves to Failed and returns err unchanged.
func (t *tracker) fail(err error) error {
	t.to(StateFailed)
	return err
}

// Request is a transaction to send.
type Request struct {
	From   common.Address
	To     common.Address
	Value  *big.Int
	Data   []byte
	Params types.TxParams
}

// Submission is a broadcast transaction.
type Submission struct {
	Hash        common.Hash
	Nonce       uint64
	Attempts    int
	Gas         types.GasEstimate
	Transaction *types.SignedTransaction
	History     []State
}

// Manager runs transactions through the lifecycle.
type Manager struct {
	node      ledger.Node
	keyring   *wallet.Keyring
	estimator *gas.Estimator
	cfg       config.TxConfig
	blockTime time.Duration
	metrics   *metrics.Metrics
}

// NewManager creates a lifecycle manager. blockTime sizes the confirmation deadline.
func NewManager(node ledger.Node, keyring *wallet.Keyring, estimator *gas.Estimator, cfg config.TxConfig, blockTime time.Duration, m *metrics.Metrics) *Manager {
	if cfg.MaxBroadcastRetries <= 0 {
		cfg.MaxBroadcastRetries = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.ConfirmationBlocks <= 0 {
		cfg.ConfirmationBlocks = 10
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = 2 * time.Minute
	}
	if blockTime <= 0 {
		blockTime = 12 * time.Second
	}
	return &Manager{
		node:      node,
		keyring:   keyring,
		estimator: estimator,
		cfg:       cfg,
		blockTime: blockTime,
		metrics:   m,
	}
}

// ConfirmationDeadline is the longest Confirm waits for a receipt.
func (m *Manager) ConfirmationDeadline() time.Duration {
	deadline := time.Duration(m.cfg.ConfirmationBlocks) * m.blockTime
	if deadline > m.cfg.ConfirmationTimeout {
		deadline = m.cfg.ConfirmationTimeout
	}
	return deadline
}

// Submit builds, signs, simulates and broadcasts req. The sender's nonce is
// held exclusively from allocation until the broadcast outcome is known, so
// concurrent submissions from one address get consecutive nonces.
// A simulation revert returns ErrSimulationReverted without broadcasting.
func (m *Manager) Submit(ctx context.Context, req Request) (*Submission, error) {
	t := newTracker(req.From)

	w, err := m.keyring.Lookup(req.From)
	if err != nil {
		return nil, t.fail(err)
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	to := req.To
	estimate := m.estimator.Estimate(ctx, gas.Request{
		Params: req.Params,
		Call:   &ethereum.CallMsg{From: req.From, To: &to, Value: value, Data: req.Data},
	})

	lease, err := w.Acquire(ctx)
	if err != nil {
		return nil, t.fail(err)
	}
	defer lease.Release()

	for attempt := 1; ; attempt++ {
		prepared := &types.PreparedTransaction{
			ChainID:              m.node.ChainID(),
			From:                 req.From,
			To:                   req.To,
			Value:                value,
			Data:                 req.Data,
			Nonce:                lease.Nonce(),
			GasLimit:             estimate.GasLimit,
			MaxFeePerGas:         estimate.MaxFeePerGas,
			MaxPriorityFeePerGas: estimate.MaxPriorityFeePerGas,
		}
		t.to(StatePrepared)

		signed, err := w.Sign(prepared)
		if err != nil {
			return nil, t.fail(err)
		}
		t.to(StateSigned)

		if err := m.simulate(ctx, prepared); err != nil {
			return nil, t.fail(err)
		}
		t.to(StateSimulated)

		hash, err := m.broadcast(ctx, signed)
		switch {
		case err == nil:
			lease.Commit()
			t.to(StateSubmitted)
			log.Info().
				Str("hash", hash.Hex()).
				Str("from", req.From.Hex()).
				Uint64("nonce", prepared.Nonce).
				Uint64("gasLimit", prepared.GasLimit).
				Int("attempt", attempt).
				Msg("Transaction submitted")
			return &Submission{
				Hash:        hash,
				Nonce:       prepared.Nonce,
				Attempts:    attempt,
				Gas:         estimate,
				Transaction: signed,
				History:     t.history,
			}, nil

		case isNonceTooLow(err) && attempt < m.cfg.MaxBroadcastRetries:
			stale := prepared.Nonce
			if _, syncErr := lease.Resync(ctx); syncErr != nil {
				return nil, t.fail(syncErr)
			}
			log.Warn().
				Err(err).
				Str("from", req.From.Hex()).
				Uint64("nonce", stale).
				Uint64("resynced", lease.Nonce()).
				Int("attempt", attempt).
				Msg("Nonce too low, rebuilding transaction")
			t.to(StateBuilt)

		default:
			// the node may or may not hold the transaction
			lease.Invalidate()
			return nil, t.fail(types.ErrBroadcast.Wrapf("attempt %d: %v", attempt, err))
		}
	}
}

func (m *Manager) simulate(ctx context.Context, prepared *types.PreparedTransaction) error {
	simCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	to := prepared.To
	result, err := m.node.SimulateCall(simCtx, ethereum.CallMsg{
		From:      prepared.From,
		To:        &to,
		Gas:       prepared.GasLimit,
		GasFeeCap: prepared.MaxFeePerGas,
		GasTipCap: prepared.MaxPriorityFeePerGas,
		Value:     prepared.Value,
		Data:      prepared.Data,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return types.ErrNodeUnavailable.Wrapf("simulate: %v", err)
	}
	if !result.Success {
		reason := result.RevertReason
		if reason == "" {
			reason = "execution reverted"
		}
		return types.ErrSimulationReverted.Wrap(reason)
	}
	return nil
}

func (m *Manager) broadcast(ctx context.Context, signed *types.SignedTransaction) (common.Hash, error) {
	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	hash, err := m.node.Broadcast(sendCtx, signed.Tx)
	switch {
	case err == nil:
		m.metrics.ObserveBroadcast("ok")
		return hash, nil
	case isAlreadyKnown(err):
		m.metrics.ObserveBroadcast("already_known")
		return signed.Hash(), nil
	case isNonceTooLow(err):
		m.metrics.ObserveBroadcast("nonce_too_low")
	default:
		m.metrics.ObserveBroadcast("error")
	}
	return common.Hash{}, err
}

func isNonceTooLow(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

func isAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// Confirm polls for a receipt until one appears or the confirmation
// deadline passes. Cancelling ctx only stops observation: the record comes
// back Pending and the transaction stays broadcast.
func (m *Manager) Confirm(ctx context.Context, hash common.Hash) types.ConfirmationRecord {
	deadline := time.NewTimer(m.ConfirmationDeadline())
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		record, err := m.Status(ctx, hash)
		if err != nil {
			log.Debug().Err(err).Str("hash", hash.Hex()).Msg("Receipt poll failed")
		} else if record.Status.Terminal() {
			m.finish(record)
			return record
		}

		select {
		case <-ctx.Done():
			log.Info().Str("hash", hash.Hex()).Msg("Stopped watching transaction")
			return types.ConfirmationRecord{TransactionHash: hash, Status: types.StatusPending}
		case <-deadline.C:
			record := types.ConfirmationRecord{TransactionHash: hash, Status: types.StatusTimedOut}
			m.finish(record)
			return record
		case <-ticker.C:
		}
	}
}

// Status performs a single receipt lookup.
func (m *Manager) Status(ctx context.Context, hash common.Hash) (types.ConfirmationRecord, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	receipt, err := m.node.GetReceipt(callCtx, hash)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return types.ConfirmationRecord{}, ctx.Err()
		}
		return types.ConfirmationRecord{}, types.ErrNodeUnavailable.Wrapf("receipt %s: %v", hash.Hex(), err)
	}

	record := types.ConfirmationRecord{TransactionHash: hash, Status: types.StatusPending, Receipt: receipt}
	if receipt != nil {
		record.Status = types.StatusFailed
		if receipt.Status == 1 {
			record.Status = types.StatusConfirmed
		}
	}
	return record, nil
}

func (m *Manager) finish(record types.ConfirmationRecord) {
	m.metrics.ObserveTransaction(string(record.Status))

	event := log.Info()
	if record.Status != types.StatusConfirmed {
		event = log.Warn()
	}
	if record.Receipt != nil {
		event = event.Uint64("gasUsed", record.Receipt.GasUsed)
		if record.Receipt.BlockNumber != nil {
			event = event.Uint64("block", record.Receipt.BlockNumber.Uint64())
		}
	}
	event.
		Str("hash", record.TransactionHash.Hex()).
		Str("status", string(record.Status)).
		Msg("Transaction finished")
}

// Execute submits req and, when confirmation waiting is enabled, observes it.
// Without waiting the record is Pending.
func (m *Manager) Execute(ctx context.Context, req Request) (*Submission, types.ConfirmationRecord, error) {
	sub, err := m.Submit(ctx, req)
	if err != nil {
		return nil, types.ConfirmationRecord{}, err
	}
	if !m.cfg.WaitForConfirmation {
		return sub, types.ConfirmationRecord{TransactionHash: sub.Hash, Status: types.StatusPending}, nil
	}

	record := m.Confirm(ctx, sub.Hash)
	switch record.Status {
	case types.StatusConfirmed:
		sub.History = append(sub.History, StateConfirmed)
	case types.StatusFailed:
		sub.History = append(sub.History, StateFailed)
	case types.StatusTimedOut:
		sub.History = append(sub.History, StateTimedOut)
	}
	return sub, record, nil
}
