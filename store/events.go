package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gardenwatch/gardenwatch/events"
)

// EventRow is one persisted event with its payload still serialized.
type EventRow struct {
	ChainID     uint64          `db:"chain_id"`
	TxHash      string          `db:"tx_hash"`
	LogIndex    uint64          `db:"log_index"`
	Stream      string          `db:"stream"`
	BlockNumber uint64          `db:"block_number"`
	BlockTime   time.Time       `db:"block_time"`
	Contract    string          `db:"contract"`
	Topic0      string          `db:"topic0"`
	Payload     json.RawMessage `db:"payload"`
	IngestedAt  time.Time       `db:"ingested_at"`
}

// Decode parses the payload back into its typed form.
func (r *EventRow) Decode() (events.Payload, error) {
	return events.UnmarshalPayload(r.Payload)
}

// HeroRewards lists the quest-reward events attributed to one hero, newest
// first.
func (s *Store) HeroRewards(ctx context.Context, heroID uint64, limit int) ([]EventRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var out []EventRow
	err := s.db.SelectContext(ctx, &out,
		`SELECT chain_id, tx_hash, log_index, stream, block_number, block_time,
			contract, topic0, payload, ingested_at
		 FROM events
		 WHERE stream = $1 AND (payload->'body'->>'heroId')::numeric = $2
		 ORDER BY block_number DESC LIMIT $3`,
		events.StreamQuestReward, heroID, limit)
	return out, err
}

// RecentEvents lists the latest rows of one stream on one chain.
func (s *Store) RecentEvents(ctx context.Context, chainID uint64, stream string, limit int) ([]EventRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []EventRow
	err := s.db.SelectContext(ctx, &out,
		`SELECT chain_id, tx_hash, log_index, stream, block_number, block_time,
			contract, topic0, payload, ingested_at
		 FROM events
		 WHERE chain_id = $1 AND stream = $2
		 ORDER BY block_number DESC, log_index DESC LIMIT $3`,
		chainID, stream, limit)
	return out, err
}

// MaxEventBlock returns the highest block number written for a contract, used
// by invariant checks.
func (s *Store) MaxEventBlock(ctx context.Context, chainID uint64, contract string) (uint64, error) {
	var max uint64
	err := s.db.GetContext(ctx, &max,
		`SELECT COALESCE(MAX(block_number), 0) FROM events
		 WHERE chain_id = $1 AND contract = $2`,
		chainID, strings.ToLower(contract))
	return max, err
}
