package indexer

import "context"

// Runner is the lifecycle surface shared by the log indexers, the pool
// worker sets and the native scanner. The scheduler's liveness job and the
// admin endpoints manage runners without caring which kind they are.
type Runner interface {
	Name() string
	Start(ctx context.Context)
	Stop()
	Status() []Status
	Records() *Broadcaster
	SetEnabled(v bool)
	Enabled() bool
	Running() bool
}

var (
	_ Runner = (*Indexer)(nil)
	_ Runner = (*PoolSet)(nil)
	_ Runner = (*NativeScanner)(nil)
)
