package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/complement/internal/observability"
	"github.com/pitabwire/complement/model"
)

const (
	leasePollInitial = 20 * time.Millisecond
	leasePollMax     = 500 * time.Millisecond
)

// keyedMutex serializes work per request id. Entries are dropped once no
// goroutine holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[int64]*refLock)}
}

// Lock blocks until id is free and returns the matching unlock function.
func (k *keyedMutex) Lock(id int64) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &refLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// acquire takes the in-process lock on id, then the store lease. A lease held
// by another instance is waited for until ctx ends or the lease could have
// run its full course.
func (s *Service) acquire(ctx context.Context, id int64) (release func(), err error) {
	unlock := s.locks.Lock(id)
	holder := uuid.NewString()
	ttl := s.approvalTimeout + leaseGrace
	giveUp := time.Now().Add(ttl)

	for wait := leasePollInitial; ; wait = min(wait*2, leasePollMax) {
		ok, err := s.store.Claim(ctx, id, holder, time.Now().UTC().Add(ttl))
		if err != nil {
			unlock()
			return nil, err
		}
		if ok {
			break
		}
		if time.Now().After(giveUp) {
			unlock()
			return nil, model.NewConflictError(fmt.Sprintf("request %d is being changed by another instance", id))
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			unlock()
			return nil, fmt.Errorf("waiting for request %d: %w", id, ctx.Err())
		case <-timer.C:
		}
	}

	return func() {
		if err := s.store.Release(context.WithoutCancel(ctx), id, holder); err != nil {
			observability.RequestLogger(ctx, s.logger).Warn("could not release request lease",
				zap.Int64("request_id", id),
				zap.Error(err),
			)
		}
		unlock()
	}, nil
}
