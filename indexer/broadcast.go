package indexer

import (
	"sync"

	"github.com/ethereum/go-ethereum/metrics"

	"github.com/gardenwatch/gardenwatch/events"
)

// defaultSubBuffer is the per-subscriber buffer of the record broadcast.
const defaultSubBuffer = 4096

// Broadcaster fans freshly committed records out to subscribers. Unlike
// event.Feed it never blocks the ingestion path: a subscriber whose buffer is
// full loses the record and must re-read from the database. Consumers are
// expected to be idempotent across restarts anyway.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[chan *events.Record]struct{}
	dropped metrics.Counter
}

func NewBroadcaster(name string) *Broadcaster {
	return &Broadcaster{
		subs:    make(map[chan *events.Record]struct{}),
		dropped: metrics.NewRegisteredCounter("gardenwatch/broadcast/"+name+"/dropped", nil),
	}
}

// Subscribe returns a buffered channel of future records and a cancel func.
func (b *Broadcaster) Subscribe() (<-chan *events.Record, func()) {
	ch := make(chan *events.Record, defaultSubBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Send delivers rec to every subscriber that has room.
func (b *Broadcaster) Send(rec *events.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- rec:
		default:
			b.dropped.Inc(1)
		}
	}
}
