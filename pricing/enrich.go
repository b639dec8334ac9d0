package pricing

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/gardenwatch/gardenwatch/events"
	"github.com/gardenwatch/gardenwatch/indexer"
)

// BridgeEnricher stamps USD values on bridge records before commit, priced at
// the block time so backfills value flows at historical rates. Tokens the
// oracle cannot price stay UNVALUED; enrichment never fails ingestion.
func BridgeEnricher(o *Oracle) indexer.PrepareFunc {
	return func(ctx context.Context, recs []*events.Record) error {
		for _, rec := range recs {
			bridge, ok := rec.Payload.(events.Bridge)
			if !ok {
				continue
			}
			q, err := o.PriceUSDAt(ctx, rec.ChainID, bridge.Token, rec.BlockTime)
			if err != nil {
				if !errors.Is(err, ErrNoPrice) {
					o.log.Warn("Bridge valuation failed", "tx", rec.TxHash, "err", err)
				}
				continue
			}
			dec := 18
			if meta, ok := o.topo.TokenMeta(rec.ChainID, bridge.Token); ok && meta.Decimals > 0 {
				dec = meta.Decimals
			}
			amount := decimal.NewFromBigInt(bridge.Amount, 0).Shift(int32(-dec))
			bridge.USDValue = amount.Mul(q.Price).StringFixed(6)
			bridge.PricingSource = q.Source
			rec.Payload = bridge
		}
		return nil
	}
}
