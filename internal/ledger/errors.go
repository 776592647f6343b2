package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/example/ride-wallet/internal/geo"
)

var (
	// ErrInvalidCoordinate is re-exported so callers only need this package.
	ErrInvalidCoordinate   = geo.ErrInvalidCoordinate
	ErrRequestNotFound     = errors.New("ride request not found")
	ErrAlreadyPaid         = errors.New("ride request already paid")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrIO                  = errors.New("ledger storage error")
	ErrCorrupt             = fmt.Errorf("%w: corrupt record", ErrIO)
)

// InsufficientBalanceError reports the balance and cost at the moment a
// payment was refused. It matches ErrInsufficientBalance.
type InsufficientBalanceError struct {
	Balance decimal.Decimal
	Cost    decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %s, need %s", e.Balance.StringFixed(2), e.Cost.StringFixed(2))
}

func (e *InsufficientBalanceError) Is(target error) bool { return target == ErrInsufficientBalance }

func ioErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrCorrupt}, args...)...)
}
