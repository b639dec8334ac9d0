package indexer

import "github.com/ethereum/go-ethereum/metrics"

// indexerMetrics are registered per indexer name under gardenwatch/indexer.
type indexerMetrics struct {
	blocks    metrics.Counter
	inserted  metrics.Counter
	malformed metrics.Counter
	errors    metrics.Counter
	batchSize metrics.Gauge
	steals    metrics.Counter
}

func newIndexerMetrics(name string) *indexerMetrics {
	prefix := "gardenwatch/indexer/" + name
	return &indexerMetrics{
		blocks:    metrics.NewRegisteredCounter(prefix+"/blocks", nil),
		inserted:  metrics.NewRegisteredCounter(prefix+"/events", nil),
		malformed: metrics.NewRegisteredCounter(prefix+"/malformed", nil),
		errors:    metrics.NewRegisteredCounter(prefix+"/errors", nil),
		batchSize: metrics.NewRegisteredGauge(prefix+"/batch_size", nil),
		steals:    metrics.NewRegisteredCounter(prefix+"/steals", nil),
	}
}
