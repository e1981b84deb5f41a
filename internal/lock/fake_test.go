package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeServer emulates session-scoped advisory locks: a key is held by at
// most one session, contenders block until it is unlocked or the holder's
// session closes.
type fakeServer struct {
	mu       sync.Mutex
	holders  map[int64]*fakeSession
	changed  chan struct{}
	configs  []*pgx.ConnConfig
	sessions []*fakeSession
	acquired []int64

	connectErr error
	lockErr    error
	unlockErr  error
	closeErr   error
	pingErr    error
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		holders: make(map[int64]*fakeSession),
		changed: make(chan struct{}),
	}
}

func (s *fakeServer) connect(_ context.Context, cfg *pgx.ConnConfig) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.configs = append(s.configs, cfg)
	if s.connectErr != nil {
		return nil, s.connectErr
	}
	sess := &fakeSession{server: s}
	s.sessions = append(s.sessions, sess)
	return sess, nil
}

func (s *fakeServer) set(fn func(s *fakeServer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *fakeServer) connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.configs)
}

func (s *fakeServer) lastConfig() *pgx.ConnConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.configs) == 0 {
		return nil
	}
	return s.configs[len(s.configs)-1]
}

func (s *fakeServer) allSessions() []*fakeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeSession(nil), s.sessions...)
}

func (s *fakeServer) lastAcquired() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired[len(s.acquired)-1]
}

func (s *fakeServer) holder(key int64) *fakeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holders[key]
}

// forceRelease drops a key behind its holder's back.
func (s *fakeServer) forceRelease(key int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.holders, key)
	s.broadcast()
}

// broadcast must be called with mu held.
func (s *fakeServer) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *fakeServer) lock(ctx context.Context, sess *fakeSession, key int64) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.mu.Lock()
		if s.lockErr != nil {
			err := s.lockErr
			s.mu.Unlock()
			return err
		}
		if h, ok := s.holders[key]; !ok || h == sess {
			s.holders[key] = sess
			s.acquired = append(s.acquired, key)
			s.mu.Unlock()
			return nil
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *fakeServer) unlock(ctx context.Context, sess *fakeSession, key int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unlockErr != nil {
		return false, s.unlockErr
	}
	if s.holders[key] != sess {
		return false, nil
	}
	delete(s.holders, key)
	s.broadcast()
	return true, nil
}

func (s *fakeServer) drop(sess *fakeSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, h := range s.holders {
		if h == sess {
			delete(s.holders, key)
		}
	}
	s.broadcast()
	return s.closeErr
}

type fakeSession struct {
	server     *fakeServer
	closed     atomic.Bool
	closeCalls atomic.Int32
}

func (f *fakeSession) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if f.closed.Load() {
		return pgconn.CommandTag{}, errors.New("conn closed")
	}
	if sql != acquireSQL {
		return pgconn.CommandTag{}, fmt.Errorf("unexpected statement %q", sql)
	}
	if err := f.server.lock(ctx, f, arguments[0].(int64)); err != nil {
		return pgconn.CommandTag{}, err
	}
	return pgconn.NewCommandTag("SELECT 1"), nil
}

func (f *fakeSession) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.closed.Load() {
		return fakeRow{err: errors.New("conn closed")}
	}
	if sql != releaseSQL {
		return fakeRow{err: fmt.Errorf("unexpected statement %q", sql)}
	}
	released, err := f.server.unlock(ctx, f, args[0].(int64))
	return fakeRow{released: released, err: err}
}

func (f *fakeSession) Ping(ctx context.Context) error {
	if f.closed.Load() {
		return errors.New("conn closed")
	}
	f.server.mu.Lock()
	defer f.server.mu.Unlock()
	return f.server.pingErr
}

func (f *fakeSession) Close(ctx context.Context) error {
	f.closeCalls.Add(1)
	if f.closed.Swap(true) {
		return nil
	}
	return f.server.drop(f)
}

type fakeRow struct {
	released bool
	err      error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*bool)) = r.released
	return nil
}
