// Package cleanup closes retrospective sessions that were abandoned without
// an explicit close from their admin.
package cleanup

import (
	"context"
	"log"
	"sync"
	"time"
)

// StaleCloser is the single store operation the job needs.
type StaleCloser interface {
	CloseStaleSessions(ctx context.Context, cutoff time.Time) (int64, error)
}

type AutoCloser struct {
	store    StaleCloser
	maxAge   time.Duration
	interval time.Duration

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
}

func NewAutoCloser(store StaleCloser, maxAge, interval time.Duration) *AutoCloser {
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &AutoCloser{
		store:    store,
		maxAge:   maxAge,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start runs the sweep loop until the context is cancelled or Stop is
// called. One sweep runs immediately so a restart does not wait a full
// interval to catch up.
func (a *AutoCloser) Start(ctx context.Context) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.mu.Unlock()

	log.Printf(`{"msg":"auto-close started","max_age":%q,"interval":%q}`, a.maxAge.String(), a.interval.String())

	a.sweep(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopChan:
			return
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

func (a *AutoCloser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		close(a.stopChan)
		a.running = false
	}
}

func (a *AutoCloser) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-a.maxAge)
	closed, err := a.store.CloseStaleSessions(ctx, cutoff)
	if err != nil {
		log.Printf(`{"msg":"auto-close sweep failed","error":%q}`, err.Error())
		return
	}
	if closed > 0 {
		log.Printf(`{"msg":"auto-closed stale sessions","count":%d}`, closed)
	}
}
