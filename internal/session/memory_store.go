package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"trust-service/internal/clock"
	"trust-service/internal/models"
	"trust-service/internal/repository"
)

const flushTimeout = 5 * time.Second

// MemoryStore keeps sessions in process and persists them as one snapshot.
// Bursts of changes inside the flush window are coalesced into one write by
// a flush task that lives from construction until Close.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session

	repo   repository.SessionSnapshotRepository
	clock  clock.Clock
	maxAge time.Duration
	window time.Duration
	logger *zap.Logger

	dirty     chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type MemoryOptions struct {
	MaxAge      time.Duration
	FlushWindow time.Duration
	Clock       clock.Clock
	Logger      *zap.Logger
}

// NewMemoryStore loads the last snapshot and starts the flush task. An
// unreadable snapshot is logged and the store starts empty.
func NewMemoryStore(ctx context.Context, repo repository.SessionSnapshotRepository, opts MemoryOptions) *MemoryStore {
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.FlushWindow <= 0 {
		opts.FlushWindow = time.Second
	}

	s := &MemoryStore{
		sessions: make(map[string]*models.Session),
		repo:     repo,
		clock:    opts.Clock,
		maxAge:   opts.MaxAge,
		window:   opts.FlushWindow,
		logger:   opts.Logger,
		dirty:    make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	s.load(ctx)
	go s.run()
	return s
}

func (s *MemoryStore) load(ctx context.Context) {
	snapshot, err := s.repo.LoadSessions(ctx)
	if err != nil {
		s.logger.Warn("Session snapshot unreadable, starting with no sessions", zap.Error(err))
		return
	}

	now := s.clock.Now()
	for _, sess := range snapshot {
		if sess == nil || sess.Token == "" || sess.Expired(now, s.maxAge) {
			continue
		}
		s.sessions[sess.Token] = sess
	}
	s.logger.Info("Session snapshot loaded", zap.Int("sessions", len(s.sessions)))
}

func (s *MemoryStore) Issue(_ context.Context, identity models.Identity) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.sessions[token] = &models.Session{
		Token:       token,
		AccountID:   identity.AccountID,
		DisplayName: identity.DisplayName,
		IssuedAt:    s.clock.Now(),
	}
	s.mu.Unlock()

	s.markDirty()
	return token, nil
}

func (s *MemoryStore) Validate(_ context.Context, token string) (*models.Session, error) {
	if token == "" {
		return nil, ErrSessionInvalid
	}

	s.mu.Lock()
	sess, ok := s.sessions[token]
	if !ok {
		s.mu.Unlock()
		return nil, ErrSessionInvalid
	}
	if sess.Expired(s.clock.Now(), s.maxAge) {
		delete(s.sessions, token)
		s.mu.Unlock()
		s.markDirty()
		return nil, ErrSessionInvalid
	}
	c := *sess
	s.mu.Unlock()

	return &c, nil
}

func (s *MemoryStore) Revoke(_ context.Context, token string) error {
	s.mu.Lock()
	_, ok := s.sessions[token]
	delete(s.sessions, token)
	s.mu.Unlock()

	if ok {
		s.markDirty()
	}
	return nil
}

func (s *MemoryStore) RevokeAccount(_ context.Context, accountID string) error {
	removed := 0
	s.mu.Lock()
	for token, sess := range s.sessions {
		if sess.AccountID == accountID {
			delete(s.sessions, token)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.markDirty()
		s.logger.Info("Account sessions revoked", zap.String("account_id", accountID), zap.Int("count", removed))
	}
	return nil
}

// Close stops the flush task after one final flush.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
	return nil
}

func (s *MemoryStore) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *MemoryStore) run() {
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			s.flush()
			return
		case <-s.dirty:
		}

		timer := time.NewTimer(s.window)
		select {
		case <-timer.C:
		case <-s.stop:
			timer.Stop()
			s.flush()
			return
		}

		// Marks raised during the window are covered by this flush.
		select {
		case <-s.dirty:
		default:
		}
		s.flush()
	}
}

func (s *MemoryStore) flush() {
	now := s.clock.Now()

	s.mu.Lock()
	snapshot := make([]*models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.Expired(now, s.maxAge) {
			continue
		}
		c := *sess
		snapshot = append(snapshot, &c)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := s.repo.SaveSessions(ctx, snapshot); err != nil {
		s.logger.Error("Failed to persist session snapshot", zap.Int("sessions", len(snapshot)), zap.Error(err))
		return
	}
	s.logger.Debug("Session snapshot persisted", zap.Int("sessions", len(snapshot)))
}
