package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/wiremess/internal/presence"
)

var (
	// ErrInvalidIdentity indicates the identity did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUserNotFound indicates that no user has connected under the id.
	ErrUserNotFound = errors.New("users: user not found")
)

// ServiceConfig describes the dependencies required for presence bookkeeping.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service records when users come online and go offline. A user stays online
// while at least one of their connections is open.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger

	mu          sync.Mutex
	connections map[int64]int
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:          cfg.Database,
		now:         clock,
		logger:      logger,
		connections: make(map[int64]int),
	}, nil
}

// MarkOnline upserts the user row from the verified identity and flags it online.
func (s *Service) MarkOnline(ctx context.Context, identity presence.Identity) error {
	username := normalize(identity.Username)
	if identity.UserID <= 0 || username == "" {
		return ErrInvalidIdentity
	}

	s.mu.Lock()
	s.connections[identity.UserID]++
	s.mu.Unlock()

	now := s.now().UTC()
	user := User{
		ID:           identity.UserID,
		Username:     username,
		IsOnline:     true,
		LastActiveAt: now,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"username":       username,
				"is_online":      true,
				"last_active_at": now,
				"updated_at":     now,
			}),
		}).
		Create(&user).
		Error
}

// MarkOffline records activity for a closing connection and flags the user
// offline once their last connection is gone.
func (s *Service) MarkOffline(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return ErrInvalidIdentity
	}

	s.mu.Lock()
	remaining := s.connections[userID] - 1
	if remaining <= 0 {
		delete(s.connections, userID)
		remaining = 0
	} else {
		s.connections[userID] = remaining
	}
	s.mu.Unlock()

	now := s.now().UTC()
	updates := map[string]interface{}{
		"last_active_at": now,
		"updated_at":     now,
	}
	if remaining == 0 {
		updates["is_online"] = false
	}
	err := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Updates(updates).Error
	if err != nil {
		s.logger.Warn("failed to record user offline", zap.Int64("user_id", userID), zap.Error(err))
	}
	return err
}

// GetUser loads a user by id.
func (s *Service) GetUser(ctx context.Context, userID int64) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	return user, err
}
