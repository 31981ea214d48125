package domain

import (
	"errors"
	"strings"
)

var (
	// ErrInsufficientFunds means the venue rejected an order for lack of
	// balance or allowance. It ends the execution cycle immediately.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNoLiquidity means the book could not absorb the order: the side is
	// empty or the CLOB killed the FOK for lack of matching size.
	ErrNoLiquidity = errors.New("no liquidity on book")

	// ErrLockHeld means another instance already owns the execution role.
	ErrLockHeld = errors.New("execution lock held by another instance")
)

// IsInsufficientFunds reconoce el error tanto por sentinel como por el texto del CLOB.
func IsInsufficientFunds(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInsufficientFunds) {
		return true
	}
	return MessageIsInsufficientFunds(err.Error())
}

// MessageIsInsufficientFunds matches the CLOB rejection texts for balance/allowance.
func MessageIsInsufficientFunds(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "not enough balance") || strings.Contains(msg, "allowance")
}
