// Package session owns the single current-user pointer of a runtime.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/forumsync/internal/auth"
	"github.com/MarcoPoloResearchLab/forumsync/internal/bus"
	"github.com/MarcoPoloResearchLab/forumsync/internal/forum"
	"go.uber.org/zap"
)

const (
	opManagerNew = "session.manager.new"
	opLogin      = "session.login"
	opLogout     = "session.logout"
)

var (
	errMissingStore    = errors.New("session store is required")
	errMissingBus      = errors.New("bus is required")
	errMissingVerifier = errors.New("token validator is required")
)

// Store is the part of the local cache the session lives in.
type Store interface {
	Get(collection forum.CollectionName, id string) (forum.Document, bool)
	Populated(collection forum.CollectionName) bool
	LoadSession(ctx context.Context) (string, bool, error)
	SaveSession(ctx context.Context, userID string) error
	ClearSession(ctx context.Context) error
}

// TokenValidator checks session tokens.
type TokenValidator interface {
	ValidateToken(token string) (auth.SessionClaims, error)
}

// Config wires a Manager.
type Config struct {
	Store  Store
	Bus    bus.Bus
	Tokens TokenValidator
	Origin string
	Clock  func() time.Time
	Logger *zap.Logger
}

// Manager holds the current session. The durable slot in the cache is the source of
// truth; the in-memory pointer is rehydrated from it at construction and on Reload.
type Manager struct {
	store  Store
	bus    bus.Bus
	tokens TokenValidator
	origin string
	clock  func() time.Time
	logger *zap.Logger

	mu     sync.RWMutex
	userID string
}

// New builds a Manager and restores the persisted session.
func New(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, forum.NewServiceError(opManagerNew, "missing_store", errMissingStore)
	}
	if cfg.Bus == nil {
		return nil, forum.NewServiceError(opManagerNew, "missing_bus", errMissingBus)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	manager := &Manager{
		store:  cfg.Store,
		bus:    cfg.Bus,
		tokens: cfg.Tokens,
		origin: cfg.Origin,
		clock:  clock,
		logger: logger,
	}
	if err := manager.Reload(ctx); err != nil {
		return nil, forum.NewServiceError(opManagerNew, "load_session", err)
	}
	return manager, nil
}

// Reload re-reads the persisted slot, picking up a login or logout made by a sibling
// process.
func (m *Manager) Reload(ctx context.Context) error {
	userID, ok, err := m.store.LoadSession(ctx)
	if err != nil {
		return err
	}
	if !ok {
		userID = ""
	}
	m.mu.Lock()
	m.userID = userID
	m.mu.Unlock()
	return nil
}

// Login makes userID the current user. The user must already be in the cache.
func (m *Manager) Login(ctx context.Context, userID string) (forum.User, error) {
	doc, ok := m.store.Get(forum.CollectionUsers, userID)
	if !ok {
		return forum.User{}, fmt.Errorf("%w: %s", forum.ErrNotFound, forum.Ref{Collection: forum.CollectionUsers, ID: userID})
	}
	user, err := forum.DecodeDocument[forum.User](doc)
	if err != nil {
		return forum.User{}, err
	}
	if err := m.store.SaveSession(ctx, userID); err != nil {
		m.logError(opLogin, "save_session", err, zap.String("user_id", userID))
		return forum.User{}, forum.NewServiceError(opLogin, "save_session", err)
	}
	m.set(userID)
	return user, nil
}

// LoginWithToken logs in the user named by a valid session token.
func (m *Manager) LoginWithToken(ctx context.Context, token string) (forum.User, error) {
	if m.tokens == nil {
		return forum.User{}, forum.NewServiceError(opLogin, "missing_token_validator", errMissingVerifier)
	}
	claims, err := m.tokens.ValidateToken(token)
	if err != nil {
		return forum.User{}, err
	}
	return m.Login(ctx, claims.UserID)
}

// Logout clears the session. Logging out without a session is a no-op.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.RLock()
	current := m.userID
	m.mu.RUnlock()
	if current == "" {
		return nil
	}
	if err := m.store.ClearSession(ctx); err != nil {
		m.logError(opLogout, "clear_session", err)
		return forum.NewServiceError(opLogout, "clear_session", err)
	}
	m.set("")
	return nil
}

// Current returns the current user as stored in the cache right now.
func (m *Manager) Current() (forum.User, bool) {
	m.mu.RLock()
	userID := m.userID
	m.mu.RUnlock()
	if userID == "" {
		return forum.User{}, false
	}
	doc, ok := m.store.Get(forum.CollectionUsers, userID)
	if !ok {
		return forum.User{}, false
	}
	user, err := forum.DecodeDocument[forum.User](doc)
	if err != nil {
		m.logger.Warn("current user is malformed", zap.String("user_id", userID), zap.Error(err))
		return forum.User{}, false
	}
	return user, true
}

// UserID returns the id of the current user, or "".
func (m *Manager) UserID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userID
}

// Revalidate ends the session when the current user no longer exists. It only
// trusts absence once the users collection has been confirmed by a pull.
func (m *Manager) Revalidate(ctx context.Context) error {
	userID := m.UserID()
	if userID == "" || !m.store.Populated(forum.CollectionUsers) {
		return nil
	}
	if _, ok := m.store.Get(forum.CollectionUsers, userID); ok {
		return nil
	}
	m.logger.Info("session user vanished, logging out", zap.String("user_id", userID))
	return m.Logout(ctx)
}

func (m *Manager) set(userID string) {
	m.mu.Lock()
	m.userID = userID
	m.mu.Unlock()
	m.bus.Publish(bus.Notification{Kind: bus.KindSessionChanged, Timestamp: m.clock(), Origin: m.origin})
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	m.logger.Error("session operation failed", allFields...)
}
