package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/example/ride-wallet/internal/models"
)

// schemaVersion is written into every stored envelope. Loading any other
// version is treated as corruption.
const schemaVersion = 1

const (
	keyBalance      = "balance"
	keyTotalSpent   = "total_spent"
	keyRequests     = "requests"
	keyTransactions = "transactions"
	keyProfile      = "profile"
)

type envelope struct {
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data"`
}

type state struct {
	wallet   models.WalletState
	requests []models.RideRequest
	txns     []models.Transaction
	profile  models.Profile
}

func (s state) clone() state {
	out := s
	out.requests = append([]models.RideRequest(nil), s.requests...)
	out.txns = append([]models.Transaction(nil), s.txns...)
	return out
}

// sequence counts the committed mutations that publish an event: ride
// requests, settlements and credits. Every such mutation raises it by one,
// so it resumes correctly after a reload.
func (s state) sequence() int64 {
	n := int64(len(s.requests))
	for _, r := range s.requests {
		if r.Status == models.RidePaid {
			n++
		}
	}
	for _, t := range s.txns {
		if t.Kind == models.Credit {
			n++
		}
	}
	return n
}

func (s state) payload(name string) any {
	switch name {
	case keyBalance:
		return s.wallet.Balance
	case keyTotalSpent:
		return s.wallet.TotalSpent
	case keyRequests:
		if s.requests == nil {
			return []models.RideRequest{}
		}
		return s.requests
	case keyTransactions:
		if s.txns == nil {
			return []models.Transaction{}
		}
		return s.txns
	case keyProfile:
		return s.profile
	}
	panic("ledger: unknown record " + name)
}

func encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(envelope{Version: schemaVersion, Data: data})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decode(raw string, v any) error {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return err
	}
	if env.Version != schemaVersion {
		return fmt.Errorf("unsupported schema version %d", env.Version)
	}
	return json.Unmarshal(env.Data, v)
}

func (l *Ledger) key(name string) string { return l.ns + ":" + name }

// loadState reads every record. Missing keys leave zero values and are
// reported through fresh.
func (l *Ledger) loadState(ctx context.Context) (st state, fresh bool, err error) {
	fresh = true
	targets := []struct {
		name string
		dst  any
	}{
		{keyBalance, &st.wallet.Balance},
		{keyTotalSpent, &st.wallet.TotalSpent},
		{keyRequests, &st.requests},
		{keyTransactions, &st.txns},
		{keyProfile, &st.profile},
	}
	for _, t := range targets {
		raw, ok, err := l.store.Get(ctx, l.key(t.name))
		if err != nil {
			return state{}, false, ioErr("get "+t.name, err)
		}
		if !ok {
			continue
		}
		fresh = false
		l.stored[t.name] = true
		if err := decode(raw, t.dst); err != nil {
			return state{}, false, corrupt("%s: %v", t.name, err)
		}
	}
	return st, fresh, validate(st)
}

// validate checks a loaded state against the ledger invariants.
func validate(st state) error {
	if st.wallet.Balance.IsNegative() {
		return corrupt("negative balance %s", st.wallet.Balance)
	}
	for i, r := range st.requests {
		if r.ID != int64(i+1) {
			return corrupt("request %d out of sequence at position %d", r.ID, i)
		}
		if !r.Status.Valid() {
			return corrupt("request %d has status %q", r.ID, r.Status)
		}
		if r.DistanceMeters < 0 || r.RatePerKm.IsNegative() {
			return corrupt("request %d has negative pricing inputs", r.ID)
		}
		if !Price(r.DistanceMeters, r.RatePerKm).Equal(r.Cost) {
			return corrupt("request %d cost %s does not match distance and rate", r.ID, r.Cost)
		}
	}
	sum := decimal.Zero
	spent := decimal.Zero
	for i, t := range st.txns {
		if t.ID != int64(i+1) {
			return corrupt("transaction %d out of sequence at position %d", t.ID, i)
		}
		if !t.Kind.Valid() {
			return corrupt("transaction %d has kind %q", t.ID, t.Kind)
		}
		if !t.Amount.IsPositive() || !isCents(t.Amount) {
			return corrupt("transaction %d has invalid amount %s", t.ID, t.Amount)
		}
		sum = sum.Add(t.Signed())
		if t.Kind == models.Debit {
			spent = spent.Add(t.Amount)
		}
	}
	if !sum.Equal(st.wallet.Balance) {
		return corrupt("balance %s does not match transaction total %s", st.wallet.Balance, sum)
	}
	if !spent.Equal(st.wallet.TotalSpent) {
		return corrupt("total spent %s does not match debit total %s", st.wallet.TotalSpent, spent)
	}
	return nil
}

// persist writes the named records of next. If a write fails the records
// already written are restored from prev before returning; records that
// did not exist before are removed again.
func (l *Ledger) persist(ctx context.Context, prev, next state, names ...string) error {
	existed := make(map[string]bool, len(names))
	for _, name := range names {
		existed[name] = l.stored[name]
	}
	for i, name := range names {
		v, err := encode(next.payload(name))
		if err != nil {
			l.restore(prev, names[:i], existed)
			return ioErr("encode "+name, err)
		}
		if err := l.store.Set(ctx, l.key(name), v); err != nil {
			l.restore(prev, names[:i], existed)
			return ioErr("set "+name, err)
		}
		l.stored[name] = true
	}
	return nil
}

func (l *Ledger) restore(prev state, names []string, existed map[string]bool) {
	ctx := context.Background()
	for _, name := range names {
		var err error
		if existed[name] {
			var v string
			if v, err = encode(prev.payload(name)); err == nil {
				err = l.store.Set(ctx, l.key(name), v)
			}
		} else if err = l.store.Remove(ctx, l.key(name)); err == nil {
			delete(l.stored, name)
		}
		if err != nil {
			l.logger.Error("ledger rollback failed", "namespace", l.ns, "record", name, "error", err)
		}
	}
}
