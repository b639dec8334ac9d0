package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// Payment request lifecycle. Transitions are forward-only:
// PENDING -> MATCHED -> CONSUMED | FAILED, and PENDING -> EXPIRED.
const (
	RequestPending  = "PENDING"
	RequestMatched  = "MATCHED"
	RequestExpired  = "EXPIRED"
	RequestConsumed = "CONSUMED"
	RequestFailed   = "FAILED"
)

// Request kinds.
const (
	KindDeposit        = "DEPOSIT"
	KindPremiumService = "PREMIUM_SERVICE"
)

// Match strategies in priority order.
const (
	StrategyUniqueExact     = "UNIQUE_EXACT"
	StrategyRequestedExact  = "REQUESTED_EXACT"
	StrategyUniqueTolerance = "UNIQUE_TOLERANCE"
	StrategyWalletAmount    = "WALLET_AMOUNT"
)

// ErrUniqueAmountTaken signals a collision on the active unique amount; the
// request creator perturbs and retries.
var ErrUniqueAmountTaken = errors.New("unique amount already held by an active request")

// PaymentRequest is one pending or settled off-chain payment expectation.
// Amounts are wei.
type PaymentRequest struct {
	ID             uuid.UUID       `db:"id"`
	PlayerID       string          `db:"player_id"`
	Kind           string          `db:"kind"`
	Status         string          `db:"status"`
	FromWallet     sql.NullString  `db:"from_wallet"`
	ExpectedAmount decimal.Decimal `db:"expected_amount"`
	UniqueAmount   decimal.Decimal `db:"unique_amount"`
	ExpiresAt      time.Time       `db:"expires_at"`
	CreatedAt      time.Time       `db:"created_at"`
	MatchedTxHash  sql.NullString  `db:"matched_tx_hash"`
	MatchedAt      sql.NullTime    `db:"matched_at"`
}

// MatchedTransfer records the transfer that settled a request.
type MatchedTransfer struct {
	RequestID   uuid.UUID       `db:"request_id"`
	TxHash      string          `db:"tx_hash"`
	BlockNumber uint64          `db:"block_number"`
	FromAddress string          `db:"from_address"`
	Amount      decimal.Decimal `db:"amount"`
	Strategy    string          `db:"strategy"`
	MatchedAt   time.Time       `db:"matched_at"`
}

// InsertPaymentRequest persists a new PENDING request. The partial unique
// index on (kind, unique_amount) enforces uniqueness among active requests;
// a collision surfaces as ErrUniqueAmountTaken.
func (s *Store) InsertPaymentRequest(ctx context.Context, r *PaymentRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payment_requests
			(id, player_id, kind, status, from_wallet, expected_amount, unique_amount, expires_at, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.ID, r.PlayerID, r.Kind, r.Status, r.FromWallet, r.ExpectedAmount,
		r.UniqueAmount, r.ExpiresAt, r.CreatedAt)
	if isUniqueViolation(err) {
		return ErrUniqueAmountTaken
	}
	return err
}

// PaymentRequest returns one request by id.
func (s *Store) PaymentRequest(ctx context.Context, id uuid.UUID) (*PaymentRequest, error) {
	var r PaymentRequest
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM payment_requests WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// PendingRequests lists the live candidates for matching: PENDING and not yet
// expired.
func (s *Store) PendingRequests(ctx context.Context, now time.Time) ([]PaymentRequest, error) {
	var out []PaymentRequest
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM payment_requests
		 WHERE status = $1 AND expires_at > $2
		 ORDER BY created_at`,
		RequestPending, now)
	return out, err
}

// TransferMatched reports whether a tx hash already settled some request.
func (s *Store) TransferMatched(ctx context.Context, txHash string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(1) FROM matched_transfers WHERE tx_hash = $1`,
		strings.ToLower(txHash))
	return n > 0, err
}

// RecordMatch transitions the request PENDING -> MATCHED and inserts the
// matched transfer in one transaction. A request that is no longer PENDING
// (raced by expiry or another matcher) fails the transition.
func (s *Store) RecordMatch(ctx context.Context, m *MatchedTransfer) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.Exec(
			`UPDATE payment_requests
			 SET status=$2, matched_tx_hash=$3, matched_at=$4
			 WHERE id=$1 AND status=$5`,
			m.RequestID, RequestMatched, strings.ToLower(m.TxHash), m.MatchedAt, RequestPending)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("request %s is no longer pending", m.RequestID)
		}
		_, err = tx.Exec(
			`INSERT INTO matched_transfers
				(request_id, tx_hash, block_number, from_address, amount, strategy, matched_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			m.RequestID, strings.ToLower(m.TxHash), m.BlockNumber,
			strings.ToLower(m.FromAddress), m.Amount, m.Strategy, m.MatchedAt)
		return err
	})
}

// ExpirePending flips overdue PENDING requests to EXPIRED and returns how
// many it touched.
func (s *Store) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payment_requests SET status=$1
		 WHERE status=$2 AND expires_at <= $3`,
		RequestExpired, RequestPending, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SettleRequest moves a MATCHED request to its terminal state (CONSUMED or
// FAILED), driven by downstream consumers.
func (s *Store) SettleRequest(ctx context.Context, id uuid.UUID, terminal string) error {
	if terminal != RequestConsumed && terminal != RequestFailed {
		return fmt.Errorf("invalid terminal status %q", terminal)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE payment_requests SET status=$2 WHERE id=$1 AND status=$3`,
		id, terminal, RequestMatched)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("request %s is not in MATCHED state", id)
	}
	return nil
}
