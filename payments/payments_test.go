package payments

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/gardenwatch/gardenwatch/events"
	"github.com/gardenwatch/gardenwatch/store"
)

var (
	custodian = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	payer     = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	jewel     = common.HexToAddress("0x000000000000000000000000000000000000007e")
)

// fakeStore is an in-memory payments.Store mirroring the Postgres semantics:
// the partial unique index on active (kind, unique_amount), forward-only
// status transitions and the matched-transfer uniqueness check.
type fakeStore struct {
	mu       sync.Mutex
	requests map[uuid.UUID]*store.PaymentRequest
	matches  map[string]*store.MatchedTransfer

	collisions int
	insertErr  error
	matchErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		requests: make(map[uuid.UUID]*store.PaymentRequest),
		matches:  make(map[string]*store.MatchedTransfer),
	}
}

func (f *fakeStore) InsertPaymentRequest(ctx context.Context, r *store.PaymentRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	if f.collisions > 0 {
		f.collisions--
		return store.ErrUniqueAmountTaken
	}
	for _, other := range f.requests {
		if other.Status == store.RequestPending && other.Kind == r.Kind &&
			other.UniqueAmount.Equal(r.UniqueAmount) {
			return store.ErrUniqueAmountTaken
		}
	}
	cp := *r
	f.requests[r.ID] = &cp
	return nil
}

func (f *fakeStore) PaymentRequest(ctx context.Context, id uuid.UUID) (*store.PaymentRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) PendingRequests(ctx context.Context, now time.Time) ([]store.PaymentRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.PaymentRequest
	for _, r := range f.requests {
		if r.Status == store.RequestPending && r.ExpiresAt.After(now) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeStore) TransferMatched(ctx context.Context, txHash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.matches[txHash]
	return ok, nil
}

func (f *fakeStore) RecordMatch(ctx context.Context, m *store.MatchedTransfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.matchErr != nil {
		return f.matchErr
	}
	r, ok := f.requests[m.RequestID]
	if !ok || r.Status != store.RequestPending {
		return errors.New("request is no longer pending")
	}
	r.Status = store.RequestMatched
	r.MatchedTxHash.String, r.MatchedTxHash.Valid = m.TxHash, true
	cp := *m
	f.matches[m.TxHash] = &cp
	return nil
}

func (f *fakeStore) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, r := range f.requests {
		if r.Status == store.RequestPending && !r.ExpiresAt.After(now) {
			r.Status = store.RequestExpired
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) status(id uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[id].Status
}

func wei(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic(s)
	}
	return v
}

func TestPerturbReplacesLastThreeDigits(t *testing.T) {
	amount := wei("123456789123456789")
	got := perturb(amount, 42)
	require.Equal(t, "123456789123456042", got.String())

	// Zero perturbation truncates cleanly.
	require.Equal(t, "123456789123456000", perturb(amount, 0).String())

	// Amounts below the span collapse onto the perturbation itself.
	require.Equal(t, "7", perturb(big.NewInt(950), 7).String())
}

func TestCreateRequest(t *testing.T) {
	st := newFakeStore()
	c := NewCreator(st)

	req, err := c.CreateRequest(context.Background(), "player-1", store.KindDeposit, wei("10000000000000000000"), nil, time.Hour)
	require.NoError(t, err)
	require.Equal(t, store.RequestPending, req.Status)
	require.Equal(t, "player-1", req.PlayerID)
	require.False(t, req.FromWallet.Valid)

	// The unique amount differs from the expectation only in the last three
	// wei digits.
	diff := req.ExpectedAmount.Sub(req.UniqueAmount).Abs()
	require.True(t, diff.LessThan(decimal.NewFromInt(perturbSpan)),
		"unique %s strays too far from expected %s", req.UniqueAmount, req.ExpectedAmount)
}

func TestCreateRequestRetriesOnCollision(t *testing.T) {
	st := newFakeStore()
	st.collisions = 3
	c := NewCreator(st)

	req, err := c.CreateRequest(context.Background(), "p", store.KindPremiumService, wei("5000"), nil, time.Hour)
	require.NoError(t, err)
	require.NotNil(t, req)

	// Exhausting every attempt surfaces an error instead of looping.
	st.collisions = createAttempts + 1
	_, err = c.CreateRequest(context.Background(), "p", store.KindPremiumService, wei("5000"), nil, time.Hour)
	require.Error(t, err)
}

func TestCreateRequestValidation(t *testing.T) {
	c := NewCreator(newFakeStore())

	_, err := c.CreateRequest(context.Background(), "p", store.KindDeposit, big.NewInt(0), nil, time.Hour)
	require.Error(t, err)

	_, err = c.CreateRequest(context.Background(), "p", store.KindDeposit, nil, nil, time.Hour)
	require.Error(t, err)

	_, err = c.CreateRequest(context.Background(), "p", "GIFT_CARD", big.NewInt(100), nil, time.Hour)
	require.Error(t, err)
}

func TestCreateRequestDefaultTTL(t *testing.T) {
	st := newFakeStore()
	c := NewCreator(st)
	begin := time.Now()

	req, err := c.CreateRequest(context.Background(), "p", store.KindDeposit, wei("7000"), &payer, 0)
	require.NoError(t, err)
	require.True(t, req.FromWallet.Valid)
	require.Equal(t, payer.Hex(), req.FromWallet.String)
	require.WithinDuration(t, begin.Add(2*time.Hour), req.ExpiresAt, time.Minute)
}

func transferRecord(from common.Address, amount decimal.Decimal, tx byte) *events.Record {
	return &events.Record{
		Stream:  events.StreamERC20Transfer,
		ChainID: 53935,
		Block:   100,
		TxHash:  common.BytesToHash([]byte{tx}),
		Payload: events.Transfer{
			Token:  jewel,
			From:   from,
			To:     custodian,
			Amount: amount.BigInt(),
		},
	}
}

func testMatcher(st Store) *Matcher {
	return NewMatcher(st,
		map[uint64][]common.Address{53935: {custodian}},
		map[uint64][]common.Address{53935: {jewel}})
}

func pendingRequest(st *fakeStore, kind string, expected, unique string, age time.Duration) *store.PaymentRequest {
	req := &store.PaymentRequest{
		ID:             uuid.New(),
		PlayerID:       "p-" + unique,
		Kind:           kind,
		Status:         store.RequestPending,
		ExpectedAmount: decimal.RequireFromString(expected),
		UniqueAmount:   decimal.RequireFromString(unique),
		ExpiresAt:      time.Now().Add(time.Hour),
		CreatedAt:      time.Now().Add(-age),
	}
	if err := st.InsertPaymentRequest(context.Background(), req); err != nil {
		panic(err)
	}
	return req
}

func TestMatchUniqueExactWinsTheLadder(t *testing.T) {
	st := newFakeStore()
	m := testMatcher(st)

	// Both requests would tolerate the amount; the exact unique hit must win.
	near := pendingRequest(st, store.KindDeposit, "10000000000000000000", "10000000000000000124", time.Minute)
	exact := pendingRequest(st, store.KindDeposit, "10000000000000000000", "10000000000000000123", time.Minute)

	ch := make(chan Matched, 1)
	sub := m.SubscribeMatched(ch)
	defer sub.Unsubscribe()

	m.Observe(context.Background(), transferRecord(payer, decimal.RequireFromString("10000000000000000123"), 1))

	require.Equal(t, store.RequestMatched, st.status(exact.ID))
	require.Equal(t, store.RequestPending, st.status(near.ID))

	got := <-ch
	require.Equal(t, exact.ID, got.RequestID)
	require.Equal(t, store.StrategyUniqueExact, got.Strategy)
}

func TestMatchRequestedExact(t *testing.T) {
	st := newFakeStore()
	m := testMatcher(st)
	req := pendingRequest(st, store.KindDeposit, "5000000000000000000", "5000000000000000777", time.Minute)

	// The payer ignored the perturbed amount and sent the round figure.
	rec := transferRecord(payer, decimal.RequireFromString("5000000000000000000"), 2)
	m.Observe(context.Background(), rec)
	require.Equal(t, store.RequestMatched, st.status(req.ID))
	match := st.matches[strings.ToLower(rec.TxHash.Hex())]
	require.NotNil(t, match)
	require.Equal(t, store.StrategyRequestedExact, match.Strategy)
}

func TestMatchUniqueTolerance(t *testing.T) {
	st := newFakeStore()
	m := testMatcher(st)
	req := pendingRequest(st, store.KindDeposit, "9000000000000000000", "9000000000000000450", time.Minute)

	// One wei off the unique amount still matches.
	m.Observe(context.Background(), transferRecord(payer, decimal.RequireFromString("9000000000000000451"), 3))
	require.Equal(t, store.RequestMatched, st.status(req.ID))

	// Two wei off does not.
	st2 := newFakeStore()
	m2 := testMatcher(st2)
	req2 := pendingRequest(st2, store.KindDeposit, "9000000000000000000", "9000000000000000450", time.Minute)
	m2.Observe(context.Background(), transferRecord(payer, decimal.RequireFromString("9000000000000000452"), 4))
	require.Equal(t, store.RequestPending, st2.status(req2.ID))
}

func TestMatchWalletAmount(t *testing.T) {
	st := newFakeStore()
	m := testMatcher(st)

	req := pendingRequest(st, store.KindDeposit, "10000000000000000000", "10000000000000000321", time.Minute)
	st.mu.Lock()
	st.requests[req.ID].FromWallet.String = payer.Hex()
	st.requests[req.ID].FromWallet.Valid = true
	st.mu.Unlock()

	// 0.05 display units over the expectation, from the bound wallet.
	m.Observe(context.Background(), transferRecord(payer, decimal.RequireFromString("10050000000000000000"), 5))
	require.Equal(t, store.RequestMatched, st.status(req.ID))

	// The same slack from an unbound wallet matches nothing.
	st2 := newFakeStore()
	m2 := testMatcher(st2)
	req2 := pendingRequest(st2, store.KindDeposit, "10000000000000000000", "10000000000000000321", time.Minute)
	m2.Observe(context.Background(), transferRecord(payer, decimal.RequireFromString("10050000000000000000"), 6))
	require.Equal(t, store.RequestPending, st2.status(req2.ID))
}

func TestMatchOldestWinsWhenAmbiguous(t *testing.T) {
	st := newFakeStore()
	m := testMatcher(st)

	// Different kinds may hold the same unique amount; when a transfer hits
	// both, the older request wins.
	older := pendingRequest(st, store.KindDeposit, "3000", "3000000000000000042", 10*time.Minute)
	newer := pendingRequest(st, store.KindPremiumService, "3000", "3000000000000000042", time.Minute)

	m.Observe(context.Background(), transferRecord(payer, decimal.RequireFromString("3000000000000000042"), 7))
	require.Equal(t, store.RequestMatched, st.status(older.ID))
	require.Equal(t, store.RequestPending, st.status(newer.ID))
}

func TestObserveFiltersNonCustodial(t *testing.T) {
	st := newFakeStore()
	m := testMatcher(st)
	req := pendingRequest(st, store.KindDeposit, "4000", "4042", time.Minute)

	rec := transferRecord(payer, decimal.RequireFromString("4042"), 8)
	p := rec.Payload.(events.Transfer)
	p.To = payer // not the custodial wallet
	rec.Payload = p
	m.Observe(context.Background(), rec)
	require.Equal(t, store.RequestPending, st.status(req.ID))

	// Wrong chain is equally invisible.
	rec2 := transferRecord(payer, decimal.RequireFromString("4042"), 9)
	rec2.ChainID = 1
	m.Observe(context.Background(), rec2)
	require.Equal(t, store.RequestPending, st.status(req.ID))
}

func TestObserveFiltersUnknownToken(t *testing.T) {
	st := newFakeStore()
	m := testMatcher(st)
	req := pendingRequest(st, store.KindDeposit, "4000", "4042", time.Minute)

	rec := transferRecord(payer, decimal.RequireFromString("4042"), 10)
	p := rec.Payload.(events.Transfer)
	p.Token = common.HexToAddress("0x1234")
	rec.Payload = p
	m.Observe(context.Background(), rec)
	require.Equal(t, store.RequestPending, st.status(req.ID))

	// Native transfers bypass the token filter.
	p.Token = common.Address{}
	p.Native = true
	rec.Payload = p
	m.Observe(context.Background(), rec)
	require.Equal(t, store.RequestMatched, st.status(req.ID))
}

func TestObserveIsIdempotentPerTransfer(t *testing.T) {
	st := newFakeStore()
	m := testMatcher(st)
	pendingRequest(st, store.KindDeposit, "4000", "4042", 2*time.Minute)
	second := pendingRequest(st, store.KindDeposit, "4000", "4042000", time.Minute)
	st.mu.Lock()
	st.requests[second.ID].UniqueAmount = decimal.RequireFromString("4042")
	st.mu.Unlock()

	rec := transferRecord(payer, decimal.RequireFromString("4042"), 11)
	m.Observe(context.Background(), rec)
	m.Observe(context.Background(), rec)

	// A replay of the same tx settles nothing further.
	require.Equal(t, store.RequestPending, st.status(second.ID))
	require.Len(t, st.matches, 1)
}

func TestMatchFailsClosedOnStoreError(t *testing.T) {
	st := newFakeStore()
	m := testMatcher(st)
	req := pendingRequest(st, store.KindDeposit, "4000", "4042", time.Minute)

	st.matchErr = errors.New("deadlock detected")
	m.Observe(context.Background(), transferRecord(payer, decimal.RequireFromString("4042"), 12))
	require.Equal(t, store.RequestPending, st.status(req.ID))
	require.Empty(t, st.matches)

	// Once the store recovers the same transfer settles the request.
	st.matchErr = nil
	m.Observe(context.Background(), transferRecord(payer, decimal.RequireFromString("4042"), 12))
	require.Equal(t, store.RequestMatched, st.status(req.ID))
}

func TestExpireSweep(t *testing.T) {
	st := newFakeStore()
	m := testMatcher(st)

	live := pendingRequest(st, store.KindDeposit, "4000", "4042", time.Minute)
	stale := pendingRequest(st, store.KindDeposit, "5000", "5042", time.Minute)
	st.mu.Lock()
	st.requests[stale.ID].ExpiresAt = time.Now().Add(-time.Minute)
	st.mu.Unlock()

	m.ExpireSweep(context.Background())
	require.Equal(t, store.RequestExpired, st.status(stale.ID))
	require.Equal(t, store.RequestPending, st.status(live.ID))

	// Expired requests are invisible to matching.
	m.Observe(context.Background(), transferRecord(payer, decimal.RequireFromString("5042"), 13))
	require.Equal(t, store.RequestExpired, st.status(stale.ID))
}
