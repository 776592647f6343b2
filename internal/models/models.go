package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type RideStatus string

const (
	RidePending RideStatus = "pending"
	RidePaid    RideStatus = "paid"
)

func (s RideStatus) Valid() bool { return s == RidePending || s == RidePaid }

type RideRequest struct {
	ID                 int64           `json:"id"`
	Pickup             Coordinate      `json:"pickup"`
	Destination        Coordinate      `json:"destination"`
	DestinationAddress string          `json:"destination_address"`
	DistanceMeters     float64         `json:"distance_meters"`
	RatePerKm          decimal.Decimal `json:"rate_per_km"`
	Cost               decimal.Decimal `json:"cost"`
	PickupGeohash      string          `json:"pickup_geohash,omitempty"`
	Status             RideStatus      `json:"status"`
	CreatedAt          time.Time       `json:"created_at"`
	PaidAt             *time.Time      `json:"paid_at,omitempty"`
}

type TransactionKind string

const (
	Credit TransactionKind = "credit"
	Debit  TransactionKind = "debit"
)

func (k TransactionKind) Valid() bool { return k == Credit || k == Debit }

type Transaction struct {
	ID        int64           `json:"id"`
	Kind      TransactionKind `json:"kind"`
	Label     string          `json:"label"`
	Category  string          `json:"category"`
	Amount    decimal.Decimal `json:"amount"` // unsigned; sign comes from Kind
	RequestID int64           `json:"request_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Signed returns the amount as it affects the balance.
func (t Transaction) Signed() decimal.Decimal {
	if t.Kind == Debit {
		return t.Amount.Neg()
	}
	return t.Amount
}

type WalletState struct {
	Balance    decimal.Decimal `json:"balance"`
	TotalSpent decimal.Decimal `json:"total_spent"`
}

type Profile struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// SettlementResult is returned by a successful ride payment.
type SettlementResult struct {
	Balance     decimal.Decimal `json:"balance"`
	Request     RideRequest     `json:"request"`
	Transaction Transaction     `json:"transaction"`
}

type EventType string

const (
	EventRideRequested EventType = "ride.requested"
	EventRidePaid      EventType = "ride.paid"
	EventWalletFunded  EventType = "wallet.funded"
)

// Event is emitted after a ledger mutation has been committed. Seq grows
// by at least one per event within a namespace, across restarts too.
type Event struct {
	ID          string          `json:"id"`
	Namespace   string          `json:"namespace"`
	Seq         int64           `json:"seq"`
	Type        EventType       `json:"type"`
	Balance     decimal.Decimal `json:"balance"`
	TotalSpent  decimal.Decimal `json:"total_spent"`
	Request     *RideRequest    `json:"request,omitempty"`
	Transaction *Transaction    `json:"transaction,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
}
