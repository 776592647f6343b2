package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-wallet/internal/ledger"
	"github.com/example/ride-wallet/internal/storage"
)

func validForm() CardForm {
	return CardForm{CardNumber: "12345678901", Expiry: "1226", CVV: "123", Amount: "500"}
}

func TestCardFormValidate(t *testing.T) {
	amount, err := validForm().Validate()
	require.NoError(t, err)
	assert.Equal(t, "500", amount.String())

	bad := map[string]func(*CardForm){
		"missing amount":   func(f *CardForm) { f.Amount = " " },
		"short card":       func(f *CardForm) { f.CardNumber = "1234" },
		"long card":        func(f *CardForm) { f.CardNumber = "123456789012" },
		"letters in card":  func(f *CardForm) { f.CardNumber = "1234567890a" },
		"short cvv":        func(f *CardForm) { f.CVV = "12" },
		"expiry with dash": func(f *CardForm) { f.Expiry = "12/6" },
		"zero amount":      func(f *CardForm) { f.Amount = "0" },
		"sub-cent amount":  func(f *CardForm) { f.Amount = "10.005" },
		"tiny amount":      func(f *CardForm) { f.Amount = "0.001" },
		"negative amount":  func(f *CardForm) { f.Amount = "-10" },
		"garbage amount":   func(f *CardForm) { f.Amount = "ten" },
	}
	for name, mutate := range bad {
		t.Run(name, func(t *testing.T) {
			f := validForm()
			mutate(&f)
			_, err := f.Validate()
			assert.True(t, errors.Is(err, ErrInvalidCard), "got %v", err)
		})
	}
}

type fakeGateway struct {
	err    error
	calls  int
	amount decimal.Decimal
}

func (g *fakeGateway) Charge(ctx context.Context, amount decimal.Decimal, currency, reference string) (string, error) {
	g.calls++
	g.amount = amount
	if g.err != nil {
		return "", g.err
	}
	return "ch_1", nil
}

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(context.Background(), storage.NewMemoryStore(), ledger.Options{Namespace: "fund"})
	require.NoError(t, err)
	return l
}

func TestFunderCreditsWallet(t *testing.T) {
	l := newLedger(t)
	gw := &fakeGateway{}
	f := &Funder{Gateway: gw, Wallet: l, Currency: "NGN"}

	txn, err := f.Fund(context.Background(), validForm())
	require.NoError(t, err)
	assert.Equal(t, 1, gw.calls)
	assert.Equal(t, "500", gw.amount.String())
	assert.Equal(t, "500", txn.Amount.String())
	assert.Equal(t, "500", l.Wallet().Balance.String())
}

func TestFunderInvalidFormSkipsGateway(t *testing.T) {
	l := newLedger(t)
	gw := &fakeGateway{}
	f := &Funder{Gateway: gw, Wallet: l}
	form := validForm()
	form.CVV = "1"

	_, err := f.Fund(context.Background(), form)
	assert.True(t, errors.Is(err, ErrInvalidCard))
	assert.Zero(t, gw.calls)
	assert.True(t, l.Wallet().Balance.IsZero())
}

func TestFunderRejectsSubCentAmount(t *testing.T) {
	l := newLedger(t)
	gw := &fakeGateway{}
	f := &Funder{Gateway: gw, Wallet: l}
	form := validForm()
	form.Amount = "10.005"

	_, err := f.Fund(context.Background(), form)
	assert.True(t, errors.Is(err, ErrInvalidCard))
	assert.Zero(t, gw.calls)
	assert.True(t, l.Wallet().Balance.IsZero())
}

func TestFunderDeclined(t *testing.T) {
	l := newLedger(t)
	f := &Funder{Gateway: &fakeGateway{err: errors.New("card_declined")}, Wallet: l}
	_, err := f.Fund(context.Background(), validForm())
	assert.True(t, errors.Is(err, ErrDeclined))
	assert.Empty(t, l.ListTransactions(0))
}

func TestSimulatedGateway(t *testing.T) {
	g := &Simulated{Delay: 10 * time.Millisecond}
	start := time.Now()
	id, err := g.Charge(context.Background(), decimal.NewFromInt(1), "ngn", "ref1")
	require.NoError(t, err)
	assert.Equal(t, "sim_ref1", id)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = (&Simulated{Delay: time.Hour}).Charge(ctx, decimal.NewFromInt(1), "ngn", "ref2")
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(231077), minorUnits(decimal.RequireFromString("2310.77")))
	assert.Equal(t, int64(50000), minorUnits(decimal.NewFromInt(500)))
	assert.Equal(t, int64(1), minorUnits(decimal.RequireFromString("0.005")))
}
