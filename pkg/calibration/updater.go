package calibration

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Update is one pending consistency-score adjustment.
type Update struct {
	OrgID string
	Delta float64
}

// ConsistencyUpdater drains score adjustments to the reputation engine in
// the background. The queue is bounded with drop-oldest overflow so a slow
// or dead engine can never block calibration or grow memory without limit.
type ConsistencyUpdater struct {
	engine  ReputationEngine
	limiter *rate.Limiter
	logger  *slog.Logger

	mu      sync.Mutex
	pending []Update
	max     int

	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	dropped atomic.Int64
}

// NewConsistencyUpdater starts the drain loop. maxPending bounds the queue;
// perSecond bounds write throughput against the engine.
func NewConsistencyUpdater(engine ReputationEngine, maxPending int, perSecond float64) *ConsistencyUpdater {
	if maxPending <= 0 {
		maxPending = 1024
	}
	if perSecond <= 0 {
		perSecond = 50
	}
	ctx, cancel := context.WithCancel(context.Background())
	u := &ConsistencyUpdater{
		engine:  engine,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		logger:  slog.Default().With("component", "consistency-updater"),
		max:     maxPending,
		wake:    make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go u.run(ctx)
	return u
}

// Enqueue adds an update, dropping the oldest pending one on overflow.
// Never blocks.
func (u *ConsistencyUpdater) Enqueue(up Update) {
	u.mu.Lock()
	u.pending = append(u.pending, up)
	if len(u.pending) > u.max {
		u.pending = u.pending[1:]
		n := u.dropped.Add(1)
		if n%100 == 1 {
			u.logger.Warn("consistency queue overflow, dropping oldest", "dropped", n)
		}
	}
	u.mu.Unlock()

	select {
	case u.wake <- struct{}{}:
	default:
	}
}

// Dropped reports how many updates were discarded to overflow.
func (u *ConsistencyUpdater) Dropped() int64 { return u.dropped.Load() }

// Close stops the drain loop and waits for it to exit. Pending updates are
// abandoned.
func (u *ConsistencyUpdater) Close() {
	u.cancel()
	<-u.done
}

func (u *ConsistencyUpdater) run(ctx context.Context) {
	defer close(u.done)
	for {
		up, ok := u.pop()
		if !ok {
			select {
			case <-u.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		if err := u.limiter.Wait(ctx); err != nil {
			return
		}
		if err := u.engine.UpdateConsistencyScore(ctx, up.OrgID, up.Delta); err != nil {
			u.logger.Warn("consistency update failed", "org", up.OrgID, "error", err)
		}
	}
}

func (u *ConsistencyUpdater) pop() (Update, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.pending) == 0 {
		return Update{}, false
	}
	up := u.pending[0]
	u.pending = u.pending[1:]
	return up, true
}
