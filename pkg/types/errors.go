package types

import (
	"errors"

	errorsmod "cosmossdk.io/errors"
)

// Codespace namespaces the registered error codes.
const Codespace = "ammrouter"

var (
	ErrInvalidPair           = errorsmod.Register(Codespace, 1, "invalid token pair")
	ErrInvalidAmount         = errorsmod.Register(Codespace, 2, "invalid amount")
	ErrInvalidAddress        = errorsmod.Register(Codespace, 3, "invalid address")
	ErrInvalidSlippage       = errorsmod.Register(Codespace, 4, "invalid slippage tolerance")
	ErrInvalidHops           = errorsmod.Register(Codespace, 5, "invalid route")
	ErrPoolNotFound          = errorsmod.Register(Codespace, 6, "pool not found")
	ErrInsufficientLiquidity = errorsmod.Register(Codespace, 7, "insufficient liquidity")
	ErrSlippageExceeded      = errorsmod.Register(Codespace, 8, "slippage exceeded")
	ErrStaleData             = errorsmod.Register(Codespace, 9, "pool data too stale")
	ErrWalletNotFound        = errorsmod.Register(Codespace, 10, "wallet not found")
	ErrSigning               = errorsmod.Register(Codespace, 11, "signing failed")
	ErrSimulationReverted    = errorsmod.Register(Codespace, 12, "simulation reverted")
	ErrBroadcast             = errorsmod.Register(Codespace, 13, "broadcast failed")
	ErrNodeUnavailable       = errorsmod.Register(Codespace, 14, "ledger node unavailable")
	ErrInvalidTxType         = errorsmod.Register(Codespace, 15, "invalid transaction type")
)

// ErrorKind groups errors by how the caller can recover.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindMarket         ErrorKind = "market"
	KindWallet         ErrorKind = "wallet"
	KindExecution      ErrorKind = "execution"
	KindInfrastructure ErrorKind = "infrastructure"
	KindInternal       ErrorKind = "internal"
)

var errorKinds = []struct {
	err  *errorsmod.Error
	kind ErrorKind
}{
	{ErrInvalidPair, KindValidation},
	{ErrInvalidAmount, KindValidation},
	{ErrInvalidAddress, KindValidation},
	{ErrInvalidSlippage, KindValidation},
	{ErrInvalidHops, KindValidation},
	{ErrInvalidTxType, KindValidation},
	{ErrPoolNotFound, KindMarket},
	{ErrInsufficientLiquidity, KindMarket},
	{ErrSlippageExceeded, KindMarket},
	{ErrWalletNotFound, KindWallet},
	{ErrSigning, KindWallet},
	{ErrSimulationReverted, KindExecution},
	{ErrBroadcast, KindExecution},
	{ErrStaleData, KindInfrastructure},
	{ErrNodeUnavailable, KindInfrastructure},
}

// KindOf returns the taxonomy kind of err, or KindInternal for unregistered errors.
func KindOf(err error) ErrorKind {
	_, kind := Classify(err)
	return kind
}

// Classify returns the registered sentinel err wraps, and its kind.
func Classify(err error) (*errorsmod.Error, ErrorKind) {
	if err == nil {
		return nil, ""
	}
	for _, ek := range errorKinds {
		if errors.Is(err, ek.err) {
			return ek.err, ek.kind
		}
	}
	return nil, KindInternal
}
