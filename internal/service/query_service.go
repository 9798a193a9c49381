package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/predictindexer/internal/domain"
	"github.com/alanyoungcy/predictindexer/internal/indexer"
	"github.com/alanyoungcy/predictindexer/internal/observability"
)

// Listing bounds.
const (
	DefaultPageLimit        = 20
	MaxPageLimit            = 100
	DefaultHistoryLimit     = 500
	MaxHistoryLimit         = 5000
	DefaultLeaderboardLimit = 50
	MaxLeaderboardLimit     = 500
	recentActivityLimit     = 20
)

// QueryConfig sets cache lifetimes and leaderboard eligibility.
type QueryConfig struct {
	MarketTTL      time.Duration
	HistoryTTL     time.Duration
	LeaderboardTTL time.Duration
	MinBets        int64
	// LoadTimeout bounds a shared store load. It runs detached from the
	// request that started it, so one client going away cannot fail the
	// others waiting on the same key.
	LoadTimeout time.Duration
}

// DefaultQueryConfig returns the production cache lifetimes.
func DefaultQueryConfig() QueryConfig {
	return QueryConfig{
		MarketTTL:      5 * time.Second,
		HistoryTTL:     10 * time.Second,
		LeaderboardTTL: 30 * time.Second,
		MinBets:        1,
		LoadTimeout:    10 * time.Second,
	}
}

// QueryService answers the read API. Market views, history and the
// leaderboard are served read-through from a short-TTL cache; concurrent
// misses for the same key share one store query. Entries are never
// invalidated on write and expire by TTL only.
type QueryService struct {
	cfg       QueryConfig
	markets   domain.MarketStore
	snapshots domain.SnapshotStore
	users     domain.UserStore
	cache     domain.ReadCache
	bus       domain.SignalBus
	metrics   *observability.Metrics
	group     singleflight.Group
	logger    *slog.Logger
}

// NewQueryService creates a QueryService. cache and bus may be nil.
func NewQueryService(
	cfg QueryConfig,
	markets domain.MarketStore,
	snapshots domain.SnapshotStore,
	users domain.UserStore,
	cache domain.ReadCache,
	bus domain.SignalBus,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *QueryService {
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultQueryConfig().LoadTimeout
	}
	return &QueryService{
		cfg:       cfg,
		markets:   markets,
		snapshots: snapshots,
		users:     users,
		cache:     cache,
		bus:       bus,
		metrics:   metrics,
		logger:    logger.With(slog.String("component", "query")),
	}
}

// ListMarkets returns one page of markets, newest first. A category of "All"
// in any case, or empty, disables the filter.
func (s *QueryService) ListMarkets(ctx context.Context, category string, page, limit int) (MarketPage, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	limit = min(limit, MaxPageLimit)

	filter := domain.MarketFilter{Limit: limit, Offset: (page - 1) * limit}
	if c := strings.TrimSpace(category); c != "" && !strings.EqualFold(c, "all") {
		filter.Category = domain.Category(strings.ToLower(c))
	}

	markets, total, err := s.markets.List(ctx, filter)
	if err != nil {
		return MarketPage{}, fmt.Errorf("query: list markets: %w", err)
	}
	views := make([]MarketView, 0, len(markets))
	for _, m := range markets {
		views = append(views, NewMarketView(m))
	}
	return MarketPage{Markets: views, Total: total, Page: page, Limit: limit}, nil
}

// GetMarket looks a market up by numeric id or by account address.
func (s *QueryService) GetMarket(ctx context.Context, ref string) (MarketView, error) {
	return readThrough(ctx, s, "market:"+ref, s.cfg.MarketTTL, "market",
		func(ctx context.Context) (MarketView, error) {
			m, err := s.lookup(ctx, ref)
			if err != nil {
				return MarketView{}, err
			}
			return NewMarketView(m), nil
		})
}

// History returns the most recent price snapshots of a market in ascending
// time order. An unknown address yields an empty series.
func (s *QueryService) History(ctx context.Context, ref string, limit int) ([]HistoryPoint, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	limit = min(limit, MaxHistoryLimit)

	id, ok, err := s.resolveID(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []HistoryPoint{}, nil
	}

	key := "market:" + strconv.FormatUint(id, 10) + ":history"
	if limit != DefaultHistoryLimit {
		key += ":" + strconv.Itoa(limit)
	}
	return readThrough(ctx, s, key, s.cfg.HistoryTTL, "history",
		func(ctx context.Context) ([]HistoryPoint, error) {
			snaps, err := s.snapshots.History(ctx, id, domain.ListOpts{Limit: limit})
			if err != nil {
				return nil, fmt.Errorf("query: history %d: %w", id, err)
			}
			points := make([]HistoryPoint, 0, len(snaps))
			for _, p := range snaps {
				points = append(points, NewHistoryPoint(p))
			}
			return points, nil
		})
}

// Leaderboard returns the top wallets by rank score.
func (s *QueryService) Leaderboard(ctx context.Context, limit int) ([]LeaderboardRow, error) {
	if limit <= 0 {
		limit = DefaultLeaderboardLimit
	}
	limit = min(limit, MaxLeaderboardLimit)

	return readThrough(ctx, s, "leaderboard:"+strconv.Itoa(limit), s.cfg.LeaderboardTTL, "leaderboard",
		func(ctx context.Context) ([]LeaderboardRow, error) {
			entries, err := s.users.Leaderboard(ctx, limit, s.cfg.MinBets)
			if err != nil {
				return nil, fmt.Errorf("query: leaderboard: %w", err)
			}
			rows := make([]LeaderboardRow, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, NewLeaderboardRow(e))
			}
			return rows, nil
		})
}

// UserProfile returns a wallet's aggregate with its most recent activity.
func (s *QueryService) UserProfile(ctx context.Context, wallet string) (UserProfile, error) {
	agg, err := s.users.Get(ctx, wallet)
	if err != nil {
		return UserProfile{}, fmt.Errorf("query: user %s: %w", wallet, err)
	}
	opts := domain.ListOpts{Limit: recentActivityLimit}
	bets, err := s.users.ListBets(ctx, wallet, opts)
	if err != nil {
		return UserProfile{}, fmt.Errorf("query: user %s bets: %w", wallet, err)
	}
	claims, err := s.users.ListClaims(ctx, wallet, opts)
	if err != nil {
		return UserProfile{}, fmt.Errorf("query: user %s claims: %w", wallet, err)
	}
	return UserProfile{
		User:         NewUserView(agg),
		RecentBets:   bets,
		RecentClaims: claims,
	}, nil
}

// RecentEvents reads the durable event stream after the given entry id.
func (s *QueryService) RecentEvents(ctx context.Context, after string, limit int) ([]domain.StreamMessage, error) {
	if s.bus == nil {
		return []domain.StreamMessage{}, nil
	}
	if after == "" {
		after = "0"
	}
	if limit <= 0 || limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	msgs, err := s.bus.StreamRead(ctx, indexer.EventStream, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query: read events: %w", err)
	}
	return msgs, nil
}

// lookup resolves a numeric id or an address to a market row.
func (s *QueryService) lookup(ctx context.Context, ref string) (domain.Market, error) {
	if id, err := strconv.ParseUint(ref, 10, 64); err == nil {
		return s.markets.GetByID(ctx, id)
	}
	return s.markets.GetByAddress(ctx, ref)
}

// resolveID maps ref to a numeric market id. Numeric refs are taken as is.
func (s *QueryService) resolveID(ctx context.Context, ref string) (uint64, bool, error) {
	if id, err := strconv.ParseUint(ref, 10, 64); err == nil {
		return id, true, nil
	}
	m, err := s.markets.GetByAddress(ctx, ref)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query: resolve %s: %w", ref, err)
	}
	return m.MarketID, true, nil
}

// readThrough serves key from the cache, loading and storing it on a miss.
// Cache failures degrade to a direct load.
func readThrough[T any](
	ctx context.Context,
	s *QueryService,
	key string,
	ttl time.Duration,
	kind string,
	load func(context.Context) (T, error),
) (T, error) {
	var zero T
	if s.cache != nil {
		var cached T
		err := s.cache.Get(ctx, key, &cached)
		switch {
		case err == nil:
			s.countLookup(kind, "hit")
			return cached, nil
		case errors.Is(err, domain.ErrNotFound):
			s.countLookup(kind, "miss")
		default:
			s.countLookup(kind, "error")
			s.logger.WarnContext(ctx, "cache read failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.LoadTimeout)
		defer cancel()

		val, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		if s.cache != nil {
			if err := s.cache.Set(loadCtx, key, val, ttl); err != nil {
				s.logger.WarnContext(ctx, "cache write failed",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
			}
		}
		return val, nil
	})
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

func (s *QueryService) countLookup(kind, result string) {
	if s.metrics != nil {
		s.metrics.CacheLookups.WithLabelValues(kind, result).Inc()
	}
}
