package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/ride-wallet/internal/models"
	"github.com/example/ride-wallet/internal/observability"
)

const (
	cardNumberDigits = 11
	expiryDigits     = 4
	cvvDigits        = 3
)

var (
	ErrInvalidCard = errors.New("invalid card details")
	ErrDeclined    = errors.New("payment declined")
)

// CardForm is what the funding sheet collects. Only the format is checked;
// no card data leaves this package except through the Gateway.
type CardForm struct {
	CardNumber string `json:"card_number"`
	Expiry     string `json:"expiry"`
	CVV        string `json:"cvv"`
	Amount     string `json:"amount"`
}

// Validate checks the field formats and returns the parsed amount.
func (f CardForm) Validate() (decimal.Decimal, error) {
	if f.CardNumber == "" || f.Expiry == "" || f.CVV == "" || strings.TrimSpace(f.Amount) == "" {
		return decimal.Zero, fmt.Errorf("%w: all fields are required", ErrInvalidCard)
	}
	if !digits(f.CardNumber, cardNumberDigits) {
		return decimal.Zero, fmt.Errorf("%w: card number must be %d digits", ErrInvalidCard, cardNumberDigits)
	}
	if !digits(f.CVV, cvvDigits) {
		return decimal.Zero, fmt.Errorf("%w: cvv must be %d digits", ErrInvalidCard, cvvDigits)
	}
	if !digits(f.Expiry, expiryDigits) {
		return decimal.Zero, fmt.Errorf("%w: expiry must be %d digits (MMYY)", ErrInvalidCard, expiryDigits)
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(f.Amount))
	if err != nil || !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: amount must be a positive number", ErrInvalidCard)
	}
	if !amount.Equal(amount.Round(2)) {
		return decimal.Zero, fmt.Errorf("%w: amount must not go past two decimal places", ErrInvalidCard)
	}
	return amount, nil
}

func digits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Gateway moves money from the card into the wallet's account.
type Gateway interface {
	Charge(ctx context.Context, amount decimal.Decimal, currency, reference string) (string, error)
}

// Simulated approves every charge after Delay, the way the demo app
// pretended to process payments.
type Simulated struct {
	Delay time.Duration
}

func (s *Simulated) Charge(ctx context.Context, amount decimal.Decimal, currency, reference string) (string, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
	return "sim_" + reference, nil
}

// Wallet is the part of the ledger the funder credits.
type Wallet interface {
	FundWallet(ctx context.Context, amount decimal.Decimal) (models.Transaction, error)
}

// Funder runs a top-up: validate the form, charge the gateway, credit the
// wallet.
type Funder struct {
	Gateway  Gateway
	Wallet   Wallet
	Currency string
	Logger   *slog.Logger
}

func (f *Funder) Fund(ctx context.Context, form CardForm) (models.Transaction, error) {
	amount, err := form.Validate()
	if err != nil {
		observability.FundingTotal.WithLabelValues("invalid").Inc()
		return models.Transaction{}, err
	}
	ref := uuid.NewString()
	chargeID, err := f.Gateway.Charge(ctx, amount, strings.ToLower(f.Currency), ref)
	if err != nil {
		observability.FundingTotal.WithLabelValues("declined").Inc()
		return models.Transaction{}, fmt.Errorf("%w: %v", ErrDeclined, err)
	}
	txn, err := f.Wallet.FundWallet(ctx, amount)
	if err != nil {
		observability.FundingTotal.WithLabelValues("error").Inc()
		f.logger().Error("charge succeeded but wallet credit failed",
			"charge_id", chargeID,
			"reference", ref,
			"amount", amount.StringFixed(2),
			"error", err,
		)
		return models.Transaction{}, err
	}
	observability.FundingTotal.WithLabelValues("ok").Inc()
	f.logger().Info("wallet top-up charged", "charge_id", chargeID, "transaction_id", txn.ID)
	return txn, nil
}

func (f *Funder) logger() *slog.Logger {
	if f.Logger == nil {
		return slog.Default()
	}
	return f.Logger
}
