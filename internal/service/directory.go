package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/lalith-99/podsync/internal/repository"
	"go.uber.org/zap"
)

// Directory resolves display names from the identity store.
type Directory struct {
	users  repository.UserRepository
	logger *zap.Logger
}

func NewDirectory(users repository.UserRepository, logger *zap.Logger) *Directory {
	return &Directory{users: users, logger: logger.Named("directory")}
}

// DisplayName returns the user's display name, or the id itself if the
// user is unknown or the lookup fails.
func (d *Directory) DisplayName(ctx context.Context, userID uuid.UUID) string {
	u, err := d.users.GetByID(ctx, userID)
	if err != nil {
		d.logger.Warn("display name lookup failed",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
		return userID.String()
	}
	if u == nil || u.DisplayName == "" {
		return userID.String()
	}
	return u.DisplayName
}
