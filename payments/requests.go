// Package payments reconciles observed on-chain transfers against pending
// off-chain payment requests: deposit credits and premium-service purchases.
// Requests move forward-only through PENDING -> MATCHED -> CONSUMED/FAILED,
// with PENDING -> EXPIRED driven by the periodic sweep.
package payments

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gardenwatch/gardenwatch/store"
)

// Store is the slice of the persistence layer the payments component needs.
// *store.Store implements it.
type Store interface {
	InsertPaymentRequest(ctx context.Context, r *store.PaymentRequest) error
	PaymentRequest(ctx context.Context, id uuid.UUID) (*store.PaymentRequest, error)
	PendingRequests(ctx context.Context, now time.Time) ([]store.PaymentRequest, error)
	TransferMatched(ctx context.Context, txHash string) (bool, error)
	RecordMatch(ctx context.Context, m *store.MatchedTransfer) error
	ExpirePending(ctx context.Context, now time.Time) (int64, error)
}

// perturbSpan bounds the low-order wei perturbation applied to make an
// expected amount unique among active requests of the same kind.
const perturbSpan = 1000

// createAttempts caps retries on unique-amount collisions.
const createAttempts = 10

// Creator issues payment requests with collision-free unique amounts.
type Creator struct {
	store Store
	now   func() time.Time
	rand  *rand.Rand
}

func NewCreator(s Store) *Creator {
	return &Creator{
		store: s,
		now:   time.Now,
		rand:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// CreateRequest registers a pending expectation of expectedAmount wei from
// the given player. The returned request carries the uniqueAmount the payer
// must send: expectedAmount with its last three wei digits replaced so that
// no other active PENDING request of the same kind shares the value. The
// caller relays uniqueAmount and the expiry to the player.
func (c *Creator) CreateRequest(ctx context.Context, playerID, kind string, expectedAmount *big.Int, fromWallet *common.Address, ttl time.Duration) (*store.PaymentRequest, error) {
	if expectedAmount == nil || expectedAmount.Sign() <= 0 {
		return nil, fmt.Errorf("expected amount must be positive")
	}
	if kind != store.KindDeposit && kind != store.KindPremiumService {
		return nil, fmt.Errorf("unknown request kind %q", kind)
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	now := c.now()
	expected := decimal.NewFromBigInt(expectedAmount, 0)
	for attempt := 0; attempt < createAttempts; attempt++ {
		req := &store.PaymentRequest{
			ID:             uuid.New(),
			PlayerID:       playerID,
			Kind:           kind,
			Status:         store.RequestPending,
			ExpectedAmount: expected,
			UniqueAmount:   perturb(expectedAmount, c.rand.Int63n(perturbSpan)),
			ExpiresAt:      now.Add(ttl),
			CreatedAt:      now,
		}
		if fromWallet != nil {
			req.FromWallet.String = fromWallet.Hex()
			req.FromWallet.Valid = true
		}
		err := c.store.InsertPaymentRequest(ctx, req)
		if errors.Is(err, store.ErrUniqueAmountTaken) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return req, nil
	}
	return nil, fmt.Errorf("could not find a free unique amount after %d attempts", createAttempts)
}

// perturb replaces the last three wei digits of amount with r.
func perturb(amount *big.Int, r int64) decimal.Decimal {
	span := big.NewInt(perturbSpan)
	base := new(big.Int).Sub(amount, new(big.Int).Mod(amount, span))
	return decimal.NewFromBigInt(new(big.Int).Add(base, big.NewInt(r)), 0)
}
