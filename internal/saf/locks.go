package saf

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// sourceLocks hands out one exclusive slot per ticket source. Waiting is bounded by
// timeout; a caller that cannot get every slot in time gets ErrSourceBusy.
// A slot lives only while someone holds or waits for it.
type sourceLocks struct {
	mu      sync.Mutex
	slots   map[uuid.UUID]*lockSlot
	timeout time.Duration
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newSourceLocks(timeout time.Duration) *sourceLocks {
	return &sourceLocks{
		slots:   make(map[uuid.UUID]*lockSlot),
		timeout: timeout,
	}
}

func (l *sourceLocks) ref(id uuid.UUID) *lockSlot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[id]
	if !ok {
		s = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[id] = s
	}
	s.refs++
	return s
}

func (l *sourceLocks) unref(id uuid.UUID, s *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s.refs--
	if s.refs == 0 {
		delete(l.slots, id)
	}
}

func (l *sourceLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

// acquire locks ids in lockOrder and returns the matching release func.
func (l *sourceLocks) acquire(ctx context.Context, ids []uuid.UUID) (func(), error) {
	ordered := lockOrder(ids)
	refs := make([]*lockSlot, 0, len(ordered))
	held := 0
	release := func() {
		for i := held - 1; i >= 0; i-- {
			<-refs[i].ch
		}
		for i, s := range refs {
			l.unref(ordered[i], s)
		}
	}

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	for _, id := range ordered {
		s := l.ref(id)
		refs = append(refs, s)
		select {
		case s.ch <- struct{}{}:
			held++
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		case <-timer.C:
			release()
			return nil, ErrSourceBusy
		}
	}
	return release, nil
}
