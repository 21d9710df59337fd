// Package datasync keeps the last good copy of server-owned data. Every sync is
// fetch-and-replace: the previous value stays visible until a new one arrives in
// full, and failures are logged without disturbing it.
package datasync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"SmartKisan/internal/backend"
	"SmartKisan/internal/cache"
	"SmartKisan/internal/location"
	"SmartKisan/internal/session"
)

// RecentLimit is how many history entries the home screen shows
const RecentLimit = 4

// Refresh outcomes recorded on the kisan.sync.refresh counter
const (
	outcomeOK        = "ok"
	outcomeFailed    = "failed"
	outcomeDiscarded = "discarded"
	outcomeSkipped   = "skipped"
)

type WeatherSource interface {
	Weather(ctx context.Context, lat, lon float64) (*backend.Weather, error)
}

type HistorySource interface {
	History(ctx context.Context, token string) ([]backend.HistoryEntry, error)
}

type CultivationSource interface {
	ActiveCultivation(ctx context.Context, token string) (*backend.Dashboard, error)
	CultivationHistory(ctx context.Context, token string) ([]backend.PastCultivation, error)
	CultivationDetail(ctx context.Context, token string, id int64) (*backend.Dashboard, error)
}

func newRefreshCounter(meter metric.Meter) (metric.Int64Counter, error) {
	counter, err := meter.Int64Counter(
		"kisan.sync.refresh",
		metric.WithDescription("Data sync refresh attempts by kind and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh counter: %w", err)
	}
	return counter, nil
}

func record(ctx context.Context, counter metric.Int64Counter, kind, outcome string) {
	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

// WeatherSync caches the weather for the last known position. It does not
// authenticate, so a 401 is an ordinary failure.
type WeatherSync struct {
	src       WeatherSource
	logger    *slog.Logger
	refreshes metric.Int64Counter
	now       func() time.Time

	group singleflight.Group
	slot  cache.Slot[backend.Weather]
}

func NewWeatherSync(src WeatherSource, logger *slog.Logger, meter metric.Meter) (*WeatherSync, error) {
	counter, err := newRefreshCounter(meter)
	if err != nil {
		return nil, err
	}
	return &WeatherSync{
		src:       src,
		logger:    logger,
		refreshes: counter,
		now:       time.Now,
	}, nil
}

// Refresh fetches weather for pos. Concurrent refreshes for the same position
// share one request.
func (w *WeatherSync) Refresh(ctx context.Context, pos location.Position) error {
	key := strconv.FormatFloat(pos.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(pos.Lon, 'f', -1, 64)

	_, err, _ := w.group.Do(key, func() (any, error) {
		weather, err := w.src.Weather(ctx, pos.Lat, pos.Lon)
		if err != nil {
			w.logger.Warn("weather refresh failed", "position", pos.String(), "error", err)
			record(ctx, w.refreshes, "weather", outcomeFailed)
			return nil, err
		}
		w.slot.Set(*weather, w.now())
		record(ctx, w.refreshes, "weather", outcomeOK)
		return weather, nil
	})
	return err
}

// Latest returns the last weather that arrived
func (w *WeatherSync) Latest() (cache.Snapshot[backend.Weather], bool) {
	return w.slot.Get()
}

// authSync is the shared plumbing of bearer-authenticated syncs
type authSync struct {
	sessions  *session.Store
	logger    *slog.Logger
	refreshes metric.Int64Counter
	now       func() time.Time

	mu             sync.Mutex
	onUnauthorized func()
}

// OnUnauthorized sets the handler run when the server rejects the token
func (a *authSync) OnUnauthorized(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onUnauthorized = fn
}

// failed classifies err. An authentication rejection under the still-current
// session runs the unauthorized handler.
func (a *authSync) failed(ctx context.Context, kind string, generation uint64, err error) {
	if errors.Is(err, backend.ErrUnauthorized) {
		a.mu.Lock()
		handler := a.onUnauthorized
		a.mu.Unlock()

		if generation != a.sessions.Generation() {
			a.logger.Info("ignoring rejection for a previous session", "kind", kind)
			record(ctx, a.refreshes, kind, outcomeDiscarded)
			return
		}
		a.logger.Info("token rejected by server", "kind", kind)
		record(ctx, a.refreshes, kind, outcomeFailed)
		if handler != nil {
			handler()
		}
		return
	}
	a.logger.Warn("refresh failed", "kind", kind, "error", err)
	record(ctx, a.refreshes, kind, outcomeFailed)
}

// HistorySync caches the user's past recommendations
type HistorySync struct {
	authSync
	src HistorySource

	slot cache.Slot[[]backend.HistoryEntry]
}

// NewHistorySync creates a history sync that empties itself whenever the
// session changes.
func NewHistorySync(src HistorySource, sessions *session.Store, logger *slog.Logger, meter metric.Meter) (*HistorySync, error) {
	counter, err := newRefreshCounter(meter)
	if err != nil {
		return nil, err
	}
	h := &HistorySync{
		authSync: authSync{
			sessions:  sessions,
			logger:    logger,
			refreshes: counter,
			now:       time.Now,
		},
		src: src,
	}
	sessions.Subscribe(func(session.Session) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.slot.Clear()
	})
	return h, nil
}

// Refresh fetches history with the current token; without one it does nothing
func (h *HistorySync) Refresh(ctx context.Context) error {
	token := h.sessions.Token()
	generation := h.sessions.Generation()
	if token == "" {
		record(ctx, h.refreshes, "history", outcomeSkipped)
		return nil
	}

	entries, err := h.src.History(ctx, token)
	if err != nil {
		h.failed(ctx, "history", generation, err)
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if generation != h.sessions.Generation() {
		h.logger.Info("discarding history fetched for a previous session")
		record(ctx, h.refreshes, "history", outcomeDiscarded)
		return nil
	}
	h.slot.Set(entries, h.now())
	record(ctx, h.refreshes, "history", outcomeOK)
	return nil
}

// All returns every cached entry, newest first
func (h *HistorySync) All() []backend.HistoryEntry {
	snap, ok := h.slot.Get()
	if !ok {
		return nil
	}
	return snap.Value
}

// Recent returns the first RecentLimit entries
func (h *HistorySync) Recent() []backend.HistoryEntry {
	all := h.All()
	if len(all) > RecentLimit {
		return all[:RecentLimit]
	}
	return all
}

// CultivationSync caches the active cultivation dashboard
type CultivationSync struct {
	authSync
	src CultivationSource

	slot cache.Slot[backend.Dashboard]
}

func NewCultivationSync(src CultivationSource, sessions *session.Store, logger *slog.Logger, meter metric.Meter) (*CultivationSync, error) {
	counter, err := newRefreshCounter(meter)
	if err != nil {
		return nil, err
	}
	c := &CultivationSync{
		authSync: authSync{
			sessions:  sessions,
			logger:    logger,
			refreshes: counter,
			now:       time.Now,
		},
		src: src,
	}
	sessions.Subscribe(func(session.Session) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.slot.Clear()
	})
	return c, nil
}

// Refresh fetches the active dashboard
func (c *CultivationSync) Refresh(ctx context.Context) error {
	token := c.sessions.Token()
	generation := c.sessions.Generation()
	if token == "" {
		record(ctx, c.refreshes, "cultivation", outcomeSkipped)
		return nil
	}

	dashboard, err := c.src.ActiveCultivation(ctx, token)
	if err != nil {
		c.failed(ctx, "cultivation", generation, err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.sessions.Generation() {
		record(ctx, c.refreshes, "cultivation", outcomeDiscarded)
		return nil
	}
	c.slot.Set(*dashboard, c.now())
	record(ctx, c.refreshes, "cultivation", outcomeOK)
	return nil
}

// Dashboard returns the last fetched dashboard
func (c *CultivationSync) Dashboard() (backend.Dashboard, bool) {
	snap, ok := c.slot.Get()
	return snap.Value, ok
}

// Past lists completed cultivations. Results are not cached.
func (c *CultivationSync) Past(ctx context.Context) ([]backend.PastCultivation, error) {
	token := c.sessions.Token()
	generation := c.sessions.Generation()

	past, err := c.src.CultivationHistory(ctx, token)
	if err != nil {
		c.failed(ctx, "cultivation_history", generation, err)
		return nil, err
	}
	return past, nil
}

// Detail fetches one past cultivation
func (c *CultivationSync) Detail(ctx context.Context, id int64) (*backend.Dashboard, error) {
	token := c.sessions.Token()
	generation := c.sessions.Generation()

	detail, err := c.src.CultivationDetail(ctx, token, id)
	if err != nil {
		c.failed(ctx, "cultivation_detail", generation, err)
		return nil, err
	}
	return detail, nil
}
