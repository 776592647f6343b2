// Package ledger owns the wallet balance, ride requests and transaction
// history. All mutations go through a single Ledger, which serialises them
// and writes every change to the injected key-value store before
// committing it in memory.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/ride-wallet/internal/geo"
	"github.com/example/ride-wallet/internal/models"
	"github.com/example/ride-wallet/internal/observability"
	"github.com/example/ride-wallet/internal/storage"
)

const (
	labelFunding   = "Account Credit"
	labelOpening   = "Opening balance"
	categoryCredit = "Wallet credit"
	categoryRide   = "Ride payment"
)

var thousand = decimal.NewFromInt(1000)

// Publisher receives events for committed mutations.
type Publisher interface {
	Publish(ctx context.Context, e models.Event) error
}

type Options struct {
	// Namespace prefixes every stored key, e.g. "wallet:default".
	Namespace string
	// OpeningBalance seeds a ledger that has nothing stored yet.
	OpeningBalance decimal.Decimal
	Logger         *slog.Logger
	Publisher      Publisher
	Now            func() time.Time
}

type Ledger struct {
	mu     sync.Mutex
	store  storage.KV
	ns     string
	logger *slog.Logger
	pub    Publisher
	now    func() time.Time
	st     state
	// stored lists the record keys present in the store.
	stored map[string]bool
	// seq is the last event sequence handed out, guarded by mu.
	seq int64

	// published trails seq; pubCond lets publishers wait their turn.
	pubMu     sync.Mutex
	pubCond   *sync.Cond
	published int64
}

// Price is round((distanceMeters/1000) * ratePerKm, 2), half-up.
func Price(distanceMeters float64, ratePerKm decimal.Decimal) decimal.Decimal {
	return decimal.NewFromFloat(distanceMeters).Div(thousand).Mul(ratePerKm).Round(2)
}

// Open loads and validates the ledger stored under opts.Namespace.
func Open(ctx context.Context, store storage.KV, opts Options) (*Ledger, error) {
	if opts.OpeningBalance.IsNegative() || !isCents(opts.OpeningBalance) {
		return nil, ErrInvalidAmount
	}
	l := &Ledger{
		store:  store,
		ns:     opts.Namespace,
		logger: opts.Logger,
		pub:    opts.Publisher,
		now:    opts.Now,
		stored: make(map[string]bool),
	}
	l.pubCond = sync.NewCond(&l.pubMu)
	if l.ns == "" {
		l.ns = "wallet:default"
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}

	st, fresh, err := l.loadState(ctx)
	if err != nil {
		return nil, err
	}
	l.st = st
	if fresh && opts.OpeningBalance.IsPositive() {
		next := st.clone()
		next.wallet.Balance = opts.OpeningBalance
		next.txns = append(next.txns, models.Transaction{
			ID:        1,
			Kind:      models.Credit,
			Label:     labelOpening,
			Category:  categoryCredit,
			Amount:    opts.OpeningBalance,
			CreatedAt: l.now().UTC(),
		})
		if err := l.persist(ctx, st, next, keyBalance, keyTransactions); err != nil {
			return nil, err
		}
		l.st = next
	}
	l.seq = l.st.sequence()
	l.published = l.seq
	observability.WalletBalance.Set(l.st.wallet.Balance.InexactFloat64())
	l.logger.Info("ledger opened",
		"namespace", l.ns,
		"balance", l.st.wallet.Balance.StringFixed(2),
		"requests", len(l.st.requests),
		"transactions", len(l.st.txns),
	)
	return l, nil
}

// CreateRideRequest prices the trip from pickup to destination and records
// it as pending.
func (l *Ledger) CreateRideRequest(ctx context.Context, pickup, destination models.Coordinate, destinationAddress string, ratePerKm decimal.Decimal) (models.RideRequest, error) {
	dist, err := geo.DistanceMeters(pickup, destination)
	if err != nil {
		return models.RideRequest{}, err
	}
	if ratePerKm.IsNegative() {
		return models.RideRequest{}, ErrInvalidAmount
	}

	l.mu.Lock()
	prev := l.st
	next := prev.clone()
	req := models.RideRequest{
		ID:                 int64(len(prev.requests) + 1),
		Pickup:             pickup,
		Destination:        destination,
		DestinationAddress: destinationAddress,
		DistanceMeters:     dist,
		RatePerKm:          ratePerKm,
		Cost:               Price(dist, ratePerKm),
		PickupGeohash:      geo.Geohash(pickup),
		Status:             models.RidePending,
		CreatedAt:          l.now().UTC(),
	}
	next.requests = append(next.requests, req)
	if err := l.persist(ctx, prev, next, keyRequests); err != nil {
		l.mu.Unlock()
		return models.RideRequest{}, err
	}
	l.st = next
	wallet := next.wallet
	seq := l.nextSeq()
	l.mu.Unlock()

	observability.RideRequestsTotal.Inc()
	l.logger.Info("ride requested",
		"namespace", l.ns,
		"request_id", req.ID,
		"distance_m", dist,
		"cost", req.Cost.StringFixed(2),
	)
	l.publish(ctx, seq, models.EventRideRequested, wallet, &req, nil)
	return req, nil
}

// PayForRequest settles a pending request against the wallet. The balance
// check and debit happen under one lock, so concurrent attempts on the
// same request cannot both succeed.
func (l *Ledger) PayForRequest(ctx context.Context, id int64) (models.SettlementResult, error) {
	l.mu.Lock()
	res, wallet, err := l.settle(ctx, id)
	var seq int64
	if err == nil {
		seq = l.nextSeq()
	}
	l.mu.Unlock()
	if err != nil {
		observability.PaymentsTotal.WithLabelValues(resultLabel(err)).Inc()
		l.logger.Info("ride payment refused", "namespace", l.ns, "request_id", id, "error", err)
		return models.SettlementResult{}, err
	}

	observability.PaymentsTotal.WithLabelValues("ok").Inc()
	observability.WalletBalance.Set(res.Balance.InexactFloat64())
	l.logger.Info("ride paid",
		"namespace", l.ns,
		"request_id", id,
		"cost", res.Request.Cost.StringFixed(2),
		"balance", res.Balance.StringFixed(2),
	)
	var txn *models.Transaction
	if res.Transaction.ID != 0 {
		txn = &res.Transaction
	}
	l.publish(ctx, seq, models.EventRidePaid, wallet, &res.Request, txn)
	return res, nil
}

// settle must be called with l.mu held.
func (l *Ledger) settle(ctx context.Context, id int64) (models.SettlementResult, models.WalletState, error) {
	prev := l.st
	idx := int(id - 1)
	if id < 1 || idx >= len(prev.requests) {
		return models.SettlementResult{}, models.WalletState{}, ErrRequestNotFound
	}
	req := prev.requests[idx]
	if req.Status == models.RidePaid {
		return models.SettlementResult{}, models.WalletState{}, ErrAlreadyPaid
	}
	if prev.wallet.Balance.LessThan(req.Cost) {
		return models.SettlementResult{}, models.WalletState{}, &InsufficientBalanceError{Balance: prev.wallet.Balance, Cost: req.Cost}
	}

	now := l.now().UTC()
	next := prev.clone()
	req.Status = models.RidePaid
	req.PaidAt = &now
	next.requests[idx] = req
	next.wallet.Balance = prev.wallet.Balance.Sub(req.Cost)
	next.wallet.TotalSpent = prev.wallet.TotalSpent.Add(req.Cost)

	var txn models.Transaction
	// a zero-cost ride moves no money and leaves no transaction
	if req.Cost.IsPositive() {
		txn = models.Transaction{
			ID:        int64(len(prev.txns) + 1),
			Kind:      models.Debit,
			Label:     rideLabel(id),
			Category:  categoryRide,
			Amount:    req.Cost,
			RequestID: id,
			CreatedAt: now,
		}
		next.txns = append(next.txns, txn)
	}

	if err := l.persist(ctx, prev, next, keyRequests, keyTransactions, keyBalance, keyTotalSpent); err != nil {
		return models.SettlementResult{}, models.WalletState{}, err
	}
	l.st = next
	return models.SettlementResult{Balance: next.wallet.Balance, Request: req, Transaction: txn}, next.wallet, nil
}

// FundWallet credits amount to the wallet.
func (l *Ledger) FundWallet(ctx context.Context, amount decimal.Decimal) (models.Transaction, error) {
	if !amount.IsPositive() || !isCents(amount) {
		return models.Transaction{}, ErrInvalidAmount
	}

	l.mu.Lock()
	prev := l.st
	next := prev.clone()
	txn := models.Transaction{
		ID:        int64(len(prev.txns) + 1),
		Kind:      models.Credit,
		Label:     labelFunding,
		Category:  categoryCredit,
		Amount:    amount,
		CreatedAt: l.now().UTC(),
	}
	next.txns = append(next.txns, txn)
	next.wallet.Balance = prev.wallet.Balance.Add(amount)
	if err := l.persist(ctx, prev, next, keyTransactions, keyBalance); err != nil {
		l.mu.Unlock()
		return models.Transaction{}, err
	}
	l.st = next
	wallet := next.wallet
	seq := l.nextSeq()
	l.mu.Unlock()

	observability.WalletBalance.Set(wallet.Balance.InexactFloat64())
	l.logger.Info("wallet funded",
		"namespace", l.ns,
		"transaction_id", txn.ID,
		"amount", amount.StringFixed(2),
		"balance", wallet.Balance.StringFixed(2),
	)
	l.publish(ctx, seq, models.EventWalletFunded, wallet, nil, &txn)
	return txn, nil
}

// ListTransactions returns transactions oldest first. A positive limit
// keeps only the most recent limit entries.
func (l *Ledger) ListTransactions(limit int) []models.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	txns := l.st.txns
	if limit > 0 && limit < len(txns) {
		txns = txns[len(txns)-limit:]
	}
	return append([]models.Transaction{}, txns...)
}

func (l *Ledger) ListRequests() []models.RideRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.RideRequest{}, l.st.requests...)
}

func (l *Ledger) Request(id int64) (models.RideRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id < 1 || int(id) > len(l.st.requests) {
		return models.RideRequest{}, ErrRequestNotFound
	}
	return l.st.requests[id-1], nil
}

func (l *Ledger) Wallet() models.WalletState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st.wallet
}

func (l *Ledger) Profile() models.Profile {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st.profile
}

func (l *Ledger) SetProfile(ctx context.Context, p models.Profile) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.st.clone()
	next.profile = p
	if err := l.persist(ctx, l.st, next, keyProfile); err != nil {
		return err
	}
	l.st = next
	return nil
}

func (l *Ledger) Namespace() string { return l.ns }

// nextSeq must be called with l.mu held, once per committed mutation that
// publishes.
func (l *Ledger) nextSeq() int64 {
	l.seq++
	return l.seq
}

// publish delivers events in sequence order. A caller holding seq waits
// until seq-1 has been handed to the publisher.
func (l *Ledger) publish(ctx context.Context, seq int64, typ models.EventType, wallet models.WalletState, req *models.RideRequest, txn *models.Transaction) {
	l.pubMu.Lock()
	for l.published != seq-1 {
		l.pubCond.Wait()
	}
	defer func() {
		l.published = seq
		l.pubCond.Broadcast()
		l.pubMu.Unlock()
	}()
	if l.pub == nil {
		return
	}
	e := models.Event{
		ID:          uuid.NewString(),
		Namespace:   l.ns,
		Seq:         seq,
		Type:        typ,
		Balance:     wallet.Balance,
		TotalSpent:  wallet.TotalSpent,
		Request:     req,
		Transaction: txn,
		OccurredAt:  l.now().UTC(),
	}
	if err := l.pub.Publish(ctx, e); err != nil {
		observability.PublishFailures.Inc()
		l.logger.Warn("ledger event publish failed", "namespace", l.ns, "type", typ, "error", err)
	}
}

// isCents reports whether d has no digits past the minor unit.
func isCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}

func rideLabel(id int64) string {
	return "Ride #" + strconv.FormatInt(id, 10)
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrRequestNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyPaid):
		return "already_paid"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	default:
		return "error"
	}
}
