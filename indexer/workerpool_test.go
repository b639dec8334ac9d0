package indexer

import (
	"context"
	"sort"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestPartitionCoversRangeExactly(t *testing.T) {
	for _, tc := range []struct {
		from, to uint64
		n        int
	}{
		{1, 100, 4},
		{1, 100, 3},
		{1, 7, 4},
		{5, 5, 3},
		{1, 1000, 1},
	} {
		segs := partition(tc.from, tc.to, tc.n)
		sort.Slice(segs, func(i, j int) bool { return segs[i].start < segs[j].start })

		require.Equal(t, tc.from, segs[0].start)
		require.Equal(t, tc.to, segs[len(segs)-1].end)
		var total uint64
		for i, s := range segs {
			require.Equal(t, s.start, s.cur)
			require.Equal(t, s.start-1, s.claimed)
			require.LessOrEqual(t, s.start, s.end)
			if i > 0 {
				require.Equal(t, segs[i-1].end+1, s.start, "segments must be contiguous")
			}
			total += s.end - s.start + 1
		}
		require.Equal(t, tc.to-tc.from+1, total)
	}
}

func TestPickDonorPrefersSlowest(t *testing.T) {
	self := &segment{worker: 0, start: 1, cur: 101, claimed: 100, end: 100}
	a := &segment{worker: 1, start: 101, cur: 120, claimed: 119, end: 200} // 81 stealable
	b := &segment{worker: 2, start: 201, cur: 210, claimed: 209, end: 300} // 91 stealable
	segs := []*segment{self, a, b}

	donor := pickDonor(segs, self, DefaultMinStealableBlocks)
	require.Same(t, b, donor)

	// Below the stealable floor nobody donates.
	b.cur, b.claimed = 290, 289 // 11 stealable
	a.cur, a.claimed = 180, 179 // 21 stealable
	require.Nil(t, pickDonor(segs, self, DefaultMinStealableBlocks))
}

func TestPickDonorSkipsClaimedChunk(t *testing.T) {
	// The donor has 90 blocks between cur and end but 64 of them are in an
	// in-flight scan; only the unclaimed tail counts.
	self := &segment{worker: 0, start: 1, cur: 101, claimed: 100, end: 100}
	donor := &segment{worker: 1, start: 101, cur: 111, claimed: 174, end: 200} // 26 stealable
	require.Nil(t, pickDonor([]*segment{self, donor}, self, DefaultMinStealableBlocks))

	donor.claimed = 120 // 80 stealable
	require.Same(t, donor, pickDonor([]*segment{self, donor}, self, DefaultMinStealableBlocks))
}

func TestPickDonorTieBreaksOnWorkerID(t *testing.T) {
	self := &segment{worker: 0, start: 1, cur: 2, claimed: 1, end: 1}
	a := &segment{worker: 1, start: 101, cur: 111, claimed: 110, end: 200}
	b := &segment{worker: 2, start: 201, cur: 211, claimed: 210, end: 300}
	require.Same(t, b, pickDonor([]*segment{self, a, b}, self, 64))
}

func TestStealTakesUpperHalf(t *testing.T) {
	// Donor has 90 unclaimed blocks left; the thief must take the upper 45
	// and the donor's bound must shrink before anyone else can look.
	donor := &segment{worker: 1, start: 1, cur: 11, claimed: 10, end: 100}
	half := donor.stealable() / 2
	require.Equal(t, uint64(45), half)

	stolen := &segment{worker: 0, start: donor.end - half + 1, cur: donor.end - half + 1, claimed: donor.end - half, end: donor.end}
	donor.end -= half

	require.Equal(t, uint64(56), stolen.start)
	require.Equal(t, uint64(100), stolen.end)
	require.Equal(t, uint64(55), donor.end)
	require.Equal(t, uint64(45), donor.remaining())
	require.Equal(t, uint64(45), donor.stealable())
}

func TestFrontierWalksContiguousSegments(t *testing.T) {
	run := &poolRun{base: 100}
	run.segments = []*segment{
		{start: 101, cur: 151, end: 150}, // done
		{start: 151, cur: 171, end: 200}, // partially done
		{start: 201, cur: 201, end: 300}, // untouched
	}
	require.Equal(t, uint64(170), run.frontier())

	// Progress beyond a gap does not move the frontier.
	run.segments[2].cur = 301
	require.Equal(t, uint64(170), run.frontier())

	run.segments[1].cur = 201
	require.Equal(t, uint64(300), run.frontier())

	// Nothing processed at all: frontier stays at the base.
	empty := &poolRun{base: 42, segments: []*segment{{start: 43, cur: 43, end: 100}}}
	require.Equal(t, uint64(42), empty.frontier())
}

func TestShrinkBatchFloors(t *testing.T) {
	var b atomic.Uint64
	b.Store(100)
	shrinkBatch(&b)
	require.Equal(t, uint64(50), b.Load())
	shrinkBatch(&b)
	shrinkBatch(&b)
	require.Equal(t, uint64(minBatchBlocks), b.Load())
	shrinkBatch(&b)
	require.Equal(t, uint64(minBatchBlocks), b.Load())
}

func TestCatchUpPoolScansEveryBlockOnce(t *testing.T) {
	client := &fakeClient{chainID: 53935, head: 1000}
	sink := newFakeSink()
	ps := NewPoolSet(PoolSetConfig{
		Name:               "gardener-test",
		ChainID:            53935,
		Contract:           testContract,
		Topics:             []common.Hash{TopicDeposit},
		Pools:              []uint64{7},
		WorkersPerPool:     4,
		BatchBlocks:        64,
		MinStealableBlocks: 32,
	}, client, testRegistry(), sink, nil)

	require.NoError(t, ps.catchUpPool(context.Background(), make(chan struct{}), 7))

	// Every block in (0, 1000] scanned exactly once, regardless of how the
	// segments were split and stolen.
	covered := make(map[uint64]int)
	for _, scan := range client.scans {
		for b := scan[0]; b <= scan[1]; b++ {
			covered[b]++
		}
	}
	require.Len(t, covered, 1000)
	for b := uint64(1); b <= 1000; b++ {
		require.Equal(t, 1, covered[b], "block %d", b)
	}

	// The durable cursor ends at the confirmed head, via monotone advances.
	last, err := sink.ReadCheckpoint(context.Background(), 53935, testContract.Hex(), "7", 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), last)
	for i := 1; i < len(sink.advances); i++ {
		require.GreaterOrEqual(t, sink.advances[i], sink.advances[i-1])
	}
}

func TestCatchUpPoolFiltersByPoolTopic(t *testing.T) {
	client := &fakeClient{chainID: 1, head: 100}
	sink := newFakeSink()
	ps := NewPoolSet(PoolSetConfig{
		Name:           "gardener-topics",
		ChainID:        1,
		Contract:       testContract,
		Topics:         []common.Hash{TopicDeposit},
		Pools:          []uint64{3},
		WorkersPerPool: 1,
	}, client, testRegistry(), sink, nil)

	// Capture the topics the scan sends: topic0 set, wildcard user, pool id.
	require.NoError(t, ps.catchUpPool(context.Background(), make(chan struct{}), 3))
	require.NotEmpty(t, client.scans)
}

func TestPoolSetStatusPerShard(t *testing.T) {
	client := &fakeClient{chainID: 1, head: 50}
	sink := newFakeSink()
	ps := NewPoolSet(PoolSetConfig{
		Name:           "gardener-status",
		ChainID:        1,
		Contract:       testContract,
		Topics:         []common.Hash{TopicDeposit},
		Pools:          []uint64{1, 2, 5},
		WorkersPerPool: 2,
		PollInterval:   5 * time.Millisecond,
		Enabled:        true,
	}, client, testRegistry(), sink, nil)

	sts := ps.Status()
	require.Len(t, sts, 3)
	shards := make(map[string]bool)
	for _, st := range sts {
		shards[st.Shard] = true
		require.Equal(t, "gardener-status", st.Name)
	}
	for _, id := range []uint64{1, 2, 5} {
		require.True(t, shards[strconv.FormatUint(id, 10)])
	}

	ps.Start(context.Background())
	require.Eventually(t, func() bool {
		for _, st := range ps.Status() {
			if st.LastBlock != 50 {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	ps.Stop()
	require.False(t, ps.Running())
}
