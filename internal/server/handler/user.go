package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/predictindexer/internal/domain"
	"github.com/alanyoungcy/predictindexer/internal/service"
)

// UserQueries is the read side of wallet aggregates.
type UserQueries interface {
	Leaderboard(ctx context.Context, limit int) ([]service.LeaderboardRow, error)
	UserProfile(ctx context.Context, wallet string) (service.UserProfile, error)
}

// UserHandler serves the leaderboard and wallet profiles.
type UserHandler struct {
	users  UserQueries
	logger *slog.Logger
}

// NewUserHandler creates a UserHandler.
func NewUserHandler(users UserQueries, logger *slog.Logger) *UserHandler {
	return &UserHandler{users: users, logger: logHandler(logger, "users")}
}

// Leaderboard returns the top wallets.
// GET /api/leaderboard?limit=50
func (h *UserHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	rows, err := h.users.Leaderboard(r.Context(), queryInt(r, "limit", service.DefaultLeaderboardLimit))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "leaderboard failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load leaderboard")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rows})
}

// Profile returns a wallet's aggregate and recent activity.
// GET /api/users/{wallet}
func (h *UserHandler) Profile(w http.ResponseWriter, r *http.Request) {
	wallet := r.PathValue("wallet")
	p, err := h.users.UserProfile(r.Context(), wallet)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "user profile failed",
			slog.String("wallet", wallet),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	writeJSON(w, http.StatusOK, p)
}
