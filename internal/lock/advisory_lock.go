package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/deadbolt/internal/logging"
	"github.com/kneutral-org/deadbolt/internal/metrics"
)

const (
	// DefaultPort is the standard PostgreSQL port.
	DefaultPort = 5432

	// DefaultUser is used when no user is configured.
	DefaultUser = "postgres"

	// DefaultConnectTimeout bounds opening a session, not waiting for the lock.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultReleaseTimeout bounds the unlock and close statements.
	DefaultReleaseTimeout = 5 * time.Second
)

const (
	stateUnheld int32 = iota
	stateAcquiring
	stateHeld
	stateReleasing
)

// AdvisoryLock is a PostgreSQL session-level advisory lock on a single int64 key.
//
// Each acquisition opens a dedicated session, blocks in pg_advisory_lock until
// the server grants the key, and keeps the session until Release, which
// unlocks and closes it. The same instance can be acquired and released any
// number of times; nested acquisition is rejected with ErrAlreadyHeld.
// If the process dies while holding the lock, the server drops the session
// and the key with it.
type AdvisoryLock struct {
	lockID   int64
	endpoint Endpoint
	creds    Credentials

	instanceID     string
	appName        string
	connect        Connector
	connectTimeout time.Duration
	releaseTimeout time.Duration
	logger         zerolog.Logger

	state atomic.Int32

	// mu serializes use of the session; pgx connections are not safe for
	// concurrent use.
	mu      sync.Mutex
	session Session
	heldAt  time.Time
}

// AdvisoryLockOption configures an AdvisoryLock.
type AdvisoryLockOption func(*AdvisoryLock)

// WithPort sets the server port. Defaults to DefaultPort.
func WithPort(port int) AdvisoryLockOption {
	return func(l *AdvisoryLock) {
		l.endpoint.Port = port
	}
}

// WithUser sets the user to authenticate as. Defaults to DefaultUser.
func WithUser(user string) AdvisoryLockOption {
	return func(l *AdvisoryLock) {
		l.creds.User = user
	}
}

// WithPassword sets the password. It is passed to the driver as-is, so
// quotes, backslashes and spaces need no escaping.
func WithPassword(password string) AdvisoryLockOption {
	return func(l *AdvisoryLock) {
		l.creds.Password = password
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger zerolog.Logger) AdvisoryLockOption {
	return func(l *AdvisoryLock) {
		l.logger = logger
	}
}

// WithConnector replaces the function used to open sessions.
func WithConnector(connect Connector) AdvisoryLockOption {
	return func(l *AdvisoryLock) {
		l.connect = connect
	}
}

// WithConnectTimeout bounds how long opening a session may take.
func WithConnectTimeout(d time.Duration) AdvisoryLockOption {
	return func(l *AdvisoryLock) {
		l.connectTimeout = d
	}
}

// WithReleaseTimeout bounds the unlock and close issued by Release.
// Non-positive values are ignored.
func WithReleaseTimeout(d time.Duration) AdvisoryLockOption {
	return func(l *AdvisoryLock) {
		if d > 0 {
			l.releaseTimeout = d
		}
	}
}

// WithApplicationName sets the application_name reported to the server,
// visible in pg_stat_activity next to the lock holder's pid.
func WithApplicationName(name string) AdvisoryLockOption {
	return func(l *AdvisoryLock) {
		l.appName = name
	}
}

// NewAdvisoryLock creates an unheld lock on lockID. It does not contact the server.
func NewAdvisoryLock(lockID int64, host, database string, opts ...AdvisoryLockOption) *AdvisoryLock {
	l := &AdvisoryLock{
		lockID:         lockID,
		endpoint:       Endpoint{Host: host, Port: DefaultPort, Database: database},
		creds:          Credentials{User: DefaultUser},
		instanceID:     uuid.NewString(),
		connect:        ConnectPgx,
		connectTimeout: DefaultConnectTimeout,
		releaseTimeout: DefaultReleaseTimeout,
		logger:         zerolog.Nop(),
	}
	l.appName = "deadbolt-" + l.instanceID
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.LockLogger(l.logger, lockID, l.endpoint.Host, l.endpoint.Port, l.endpoint.Database).
		With().
		Str("instanceId", l.instanceID).
		Logger()
	return l
}

// Acquire opens a session and blocks until the server grants the lock or ctx
// is done. Cancelling ctx aborts the wait; the session is closed and the lock
// stays unheld.
func (l *AdvisoryLock) Acquire(ctx context.Context) error {
	if !l.state.CompareAndSwap(stateUnheld, stateAcquiring) {
		metrics.RecordLockAcquisition(metrics.ResultAlreadyHeld)
		return ErrAlreadyHeld
	}

	start := time.Now()

	session, err := l.openSession(ctx)
	if err != nil {
		l.state.Store(stateUnheld)
		metrics.RecordLockAcquisition(metrics.ResultConnectionError)
		l.logger.Error().Err(err).Msg("failed to open session")
		return err
	}

	l.logger.Debug().Msg("waiting for advisory lock")

	if _, err := session.Exec(ctx, acquireSQL, l.lockID); err != nil {
		l.closeSession(session)
		l.state.Store(stateUnheld)
		metrics.RecordLockAcquisition(metrics.ResultAcquireError)
		l.logger.Error().Err(err).Msg("failed to acquire advisory lock")
		return fmt.Errorf("lock acquisition failed: %w", err)
	}

	wait := time.Since(start)

	l.mu.Lock()
	l.session = session
	l.heldAt = time.Now()
	l.mu.Unlock()
	l.state.Store(stateHeld)

	metrics.RecordLockAcquisition(metrics.ResultAcquired)
	metrics.RecordLockWait(wait.Seconds())
	metrics.IncLocksHeld()
	l.logger.Info().Dur("wait", wait).Msg("acquired advisory lock")

	return nil
}

// Release unlocks the key and closes the session. It is a no-op if the lock
// is not held. The unlock runs even if ctx is already cancelled, bounded by
// the release timeout. The session is always closed and the lock is unheld
// when Release returns, whatever the error.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	if !l.state.CompareAndSwap(stateHeld, stateReleasing) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.releaseTimeout)
	defer cancel()

	l.mu.Lock()
	session := l.session
	heldFor := time.Since(l.heldAt)

	var errs []error
	var released bool
	if err := session.QueryRow(ctx, releaseSQL, l.lockID).Scan(&released); err != nil {
		metrics.RecordLockRelease(metrics.ResultError)
		errs = append(errs, fmt.Errorf("lock release failed: %w", err))
	} else if !released {
		metrics.RecordLockRelease(metrics.ResultNotHeld)
		errs = append(errs, ErrLockNotHeld)
	} else {
		metrics.RecordLockRelease(metrics.ResultReleased)
	}

	if err := session.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing session: %w", err))
	}

	l.session = nil
	l.heldAt = time.Time{}
	l.mu.Unlock()
	l.state.Store(stateUnheld)

	metrics.DecLocksHeld()
	metrics.RecordLockHeld(heldFor.Seconds())

	err := errors.Join(errs...)
	if err != nil {
		l.logger.Warn().Err(err).Dur("held", heldFor).Msg("advisory lock release incomplete; session closed")
		return err
	}

	l.logger.Info().Dur("held", heldFor).Msg("released advisory lock")
	return nil
}

// With acquires the lock, runs fn, and releases the lock however fn exits,
// including by panic. An error returned by fn is returned unchanged; release
// failures are only returned when fn succeeded, otherwise they are logged.
func (l *AdvisoryLock) With(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := l.Acquire(ctx); err != nil {
		return err
	}

	returned := false
	defer func() {
		releaseErr := l.Release(ctx)
		if releaseErr == nil {
			return
		}
		if !returned || err != nil {
			l.logger.Warn().Err(releaseErr).Msg("release failed while unwinding; keeping original error")
			return
		}
		err = releaseErr
	}()

	err = fn(ctx)
	returned = true
	return err
}

// Ping round-trips on the held session. A failure means the session, and so
// the lock, may be gone.
func (l *AdvisoryLock) Ping(ctx context.Context) error {
	if l.state.Load() != stateHeld {
		return ErrLockNotHeld
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return ErrLockNotHeld
	}
	return l.session.Ping(ctx)
}

// IsLocked reports the local held state, without asking the server. It stays
// true until Release has finished closing the session.
func (l *AdvisoryLock) IsLocked() bool {
	s := l.state.Load()
	return s == stateHeld || s == stateReleasing
}

// LockID returns the advisory lock key.
func (l *AdvisoryLock) LockID() int64 {
	return l.lockID
}

// Host returns the server host.
func (l *AdvisoryLock) Host() string {
	return l.endpoint.Host
}

// Port returns the server port.
func (l *AdvisoryLock) Port() int {
	return l.endpoint.Port
}

// Database returns the database name.
func (l *AdvisoryLock) Database() string {
	return l.endpoint.Database
}

// User returns the user the lock authenticates as.
func (l *AdvisoryLock) User() string {
	return l.creds.User
}

// Password returns the configured password.
func (l *AdvisoryLock) Password() string {
	return l.creds.Password
}

// InstanceID returns the unique ID of this lock instance, also embedded in
// the default application_name.
func (l *AdvisoryLock) InstanceID() string {
	return l.instanceID
}

func (l *AdvisoryLock) openSession(ctx context.Context) (Session, error) {
	cfg, err := buildConnConfig(l.endpoint, l.creds, l.appName, l.connectTimeout)
	if err != nil {
		return nil, l.connectionError(err)
	}

	session, err := l.connect(ctx, cfg)
	if err != nil {
		return nil, l.connectionError(err)
	}
	return session, nil
}

func (l *AdvisoryLock) closeSession(session Session) {
	ctx, cancel := context.WithTimeout(context.Background(), l.releaseTimeout)
	defer cancel()

	if err := session.Close(ctx); err != nil {
		l.logger.Warn().Err(err).Msg("failed to close session")
	}
}

func (l *AdvisoryLock) connectionError(err error) error {
	return &ConnectionError{
		Host:     l.endpoint.Host,
		Port:     l.endpoint.Port,
		Database: l.endpoint.Database,
		Err:      err,
	}
}
