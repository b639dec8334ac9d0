package payments

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gardenwatch/gardenwatch/events"
	"github.com/gardenwatch/gardenwatch/indexer"
	"github.com/gardenwatch/gardenwatch/store"
)

// Matching tolerances: one wei absorbs RPC rounding on unique amounts, and
// wallet-bound requests accept a tenth of a display unit around the expected
// amount.
var (
	weiTolerance    = decimal.New(1, 0)
	walletTolerance = decimal.New(1, 17) // 0.1 in 18-decimal display units
)

// Matched is emitted whenever a transfer settles a request. The transition
// to MATCHED is durable before the emit, so consumers that miss the event
// recover it from the store at their own pace.
type Matched struct {
	RequestID uuid.UUID
	PlayerID  string
	Kind      string
	TxHash    common.Hash
	Amount    *big.Int
	Strategy  string
}

// Matcher consumes the transfer streams of the indexers and settles pending
// payment requests. It is a passive consumer: ingestion never waits on it.
type Matcher struct {
	store     Store
	custodial map[uint64]map[common.Address]bool
	tokens    map[uint64]map[common.Address]bool
	feed      event.FeedOf[Matched]
	log       log.Logger
	now       func() time.Time

	matched   metrics.Counter
	unmatched metrics.Counter
}

// NewMatcher builds a matcher for the given custodial wallets. tokens lists
// the accepted payment tokens per chain; an empty set accepts any token.
func NewMatcher(s Store, custodial map[uint64][]common.Address, tokens map[uint64][]common.Address) *Matcher {
	m := &Matcher{
		store:     s,
		custodial: addressSet(custodial),
		tokens:    addressSet(tokens),
		log:       log.New("module", "payments"),
		now:       time.Now,
		matched:   metrics.NewRegisteredCounter("gardenwatch/payments/matched", nil),
		unmatched: metrics.NewRegisteredCounter("gardenwatch/payments/unmatched", nil),
	}
	return m
}

func addressSet(in map[uint64][]common.Address) map[uint64]map[common.Address]bool {
	out := make(map[uint64]map[common.Address]bool, len(in))
	for chainID, addrs := range in {
		set := make(map[common.Address]bool, len(addrs))
		for _, a := range addrs {
			set[a] = true
		}
		out[chainID] = set
	}
	return out
}

// SubscribeMatched delivers settlement events to ch.
func (m *Matcher) SubscribeMatched(ch chan<- Matched) event.Subscription {
	return m.feed.Subscribe(ch)
}

// Run consumes the given broadcasters until ctx is done. It returns after
// all source subscriptions are drained.
func (m *Matcher) Run(ctx context.Context, sources ...*indexer.Broadcaster) {
	var wg sync.WaitGroup
	for _, src := range sources {
		ch, cancel := src.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case rec, ok := <-ch:
					if !ok {
						return
					}
					m.Observe(ctx, rec)
				}
			}
		}()
	}
	wg.Wait()
}

// Observe inspects one record and attempts to settle a pending request with
// it. Errors never propagate to ingestion; they are logged and the transfer
// stays available for a later replay (consumers are idempotent by the
// matched-transfer uniqueness check).
func (m *Matcher) Observe(ctx context.Context, rec *events.Record) {
	transfer, ok := rec.Payload.(events.Transfer)
	if !ok {
		return
	}
	if set := m.custodial[rec.ChainID]; set == nil || !set[transfer.To] {
		return
	}
	if !transfer.Native {
		if set := m.tokens[rec.ChainID]; len(set) > 0 && !set[transfer.Token] {
			return
		}
	}
	if err := m.match(ctx, rec, transfer); err != nil {
		m.log.Warn("Payment match attempt failed", "tx", rec.TxHash, "err", err)
	}
}

// match applies the strategy ladder to one observed transfer.
func (m *Matcher) match(ctx context.Context, rec *events.Record, transfer events.Transfer) error {
	txHash := strings.ToLower(rec.TxHash.Hex())
	already, err := m.store.TransferMatched(ctx, txHash)
	if err != nil {
		return err
	}
	if already {
		return nil
	}
	now := m.now()
	pending, err := m.store.PendingRequests(ctx, now)
	if err != nil {
		return err
	}
	amount := decimal.NewFromBigInt(transfer.Amount, 0)

	req, strategy, ambiguous := pick(pending, transfer.From, amount)
	if ambiguous {
		m.log.Warn("Multiple pending requests match transfer, settling the oldest",
			"tx", rec.TxHash, "strategy", strategy)
	}
	if req == nil {
		m.unmatched.Inc(1)
		m.log.Info("Transfer matches no pending request",
			"tx", rec.TxHash, "from", transfer.From, "amount", transfer.Amount, "pending", len(pending))
		return nil
	}

	err = m.store.RecordMatch(ctx, &store.MatchedTransfer{
		RequestID:   req.ID,
		TxHash:      txHash,
		BlockNumber: rec.Block,
		FromAddress: transfer.From.Hex(),
		Amount:      amount,
		Strategy:    strategy,
		MatchedAt:   now,
	})
	if err != nil {
		// Fail-closed: the request stays PENDING and the transfer can be
		// replayed against it later.
		return err
	}
	m.matched.Inc(1)
	m.log.Info("Payment matched",
		"request", req.ID, "player", req.PlayerID, "strategy", strategy, "tx", rec.TxHash)
	m.feed.Send(Matched{
		RequestID: req.ID,
		PlayerID:  req.PlayerID,
		Kind:      req.Kind,
		TxHash:    rec.TxHash,
		Amount:    transfer.Amount,
		Strategy:  strategy,
	})
	return nil
}

// pick walks the strategies in priority order and returns the first request
// the winning strategy hits, requests considered oldest first. The ambiguous
// flag reports whether that strategy hit more than one request.
func pick(pending []store.PaymentRequest, from common.Address, amount decimal.Decimal) (*store.PaymentRequest, string, bool) {
	strategies := []struct {
		name string
		hit  func(r *store.PaymentRequest) bool
	}{
		{store.StrategyUniqueExact, func(r *store.PaymentRequest) bool {
			return amount.Equal(r.UniqueAmount)
		}},
		{store.StrategyRequestedExact, func(r *store.PaymentRequest) bool {
			return amount.Equal(r.ExpectedAmount)
		}},
		{store.StrategyUniqueTolerance, func(r *store.PaymentRequest) bool {
			return amount.Sub(r.UniqueAmount).Abs().LessThanOrEqual(weiTolerance)
		}},
		{store.StrategyWalletAmount, func(r *store.PaymentRequest) bool {
			if !r.FromWallet.Valid {
				return false
			}
			if common.HexToAddress(r.FromWallet.String) != from {
				return false
			}
			return amount.Sub(r.ExpectedAmount).Abs().LessThanOrEqual(walletTolerance)
		}},
	}
	for _, s := range strategies {
		var first *store.PaymentRequest
		hits := 0
		for i := range pending {
			if s.hit(&pending[i]) {
				if first == nil {
					first = &pending[i]
				}
				hits++
			}
		}
		if first != nil {
			return first, s.name, hits > 1
		}
	}
	return nil, "", false
}

// ExpireSweep transitions overdue PENDING requests to EXPIRED. The scheduler
// drives it every minute.
func (m *Matcher) ExpireSweep(ctx context.Context) {
	n, err := m.store.ExpirePending(ctx, m.now())
	if err != nil {
		m.log.Warn("Payment expiry sweep failed", "err", err)
		return
	}
	if n > 0 {
		m.log.Info("Expired overdue payment requests", "count", n)
	}
}
