package datasync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"SmartKisan/internal/backend"
	"SmartKisan/internal/location"
	"SmartKisan/internal/session"
	"SmartKisan/internal/storage"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// ===== fakes

type fakeWeather struct {
	calls   atomic.Int32
	release chan struct{}
	temp    float64
	err     error
}

func (f *fakeWeather) Weather(ctx context.Context, lat, lon float64) (*backend.Weather, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return &backend.Weather{Temperature: f.temp, Location: "Hyderabad"}, nil
}

type fakeHistory struct {
	mu      sync.Mutex
	calls   int
	tokens  []string
	entries []backend.HistoryEntry
	err     error
	during  func()
}

func (f *fakeHistory) History(ctx context.Context, token string) ([]backend.HistoryEntry, error) {
	f.mu.Lock()
	f.calls++
	f.tokens = append(f.tokens, token)
	during := f.during
	f.mu.Unlock()
	if during != nil {
		during()
	}
	return f.entries, f.err
}

func newSessions(t *testing.T) *session.Store {
	t.Helper()
	return session.NewStore(storage.NewMemoryStore(), discard)
}

func entries(n int) []backend.HistoryEntry {
	out := make([]backend.HistoryEntry, n)
	for i := range out {
		out[i] = backend.HistoryEntry{Timestamp: time.Date(2024, 6, n-i, 0, 0, 0, 0, time.UTC).Format(time.DateOnly)}
	}
	return out
}

// ===== weather

func TestWeatherSync_Refresh(t *testing.T) {
	src := &fakeWeather{temp: 31.2}
	ws, err := NewWeatherSync(src, discard, otel.Meter("test"))
	require.NoError(t, err)

	_, ok := ws.Latest()
	assert.False(t, ok)

	require.NoError(t, ws.Refresh(context.Background(), location.Position{Lat: 17.385, Lon: 78.4867}))
	snap, ok := ws.Latest()
	require.True(t, ok)
	assert.Equal(t, "31°C", snap.Value.DisplayTemperature())
}

func TestWeatherSync_FailureKeepsPreviousValue(t *testing.T) {
	src := &fakeWeather{temp: 25}
	ws, err := NewWeatherSync(src, discard, otel.Meter("test"))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, ws.Refresh(ctx, location.Fallback))
	src.err = &backend.APIError{Status: 500, Message: "boom"}
	assert.Error(t, ws.Refresh(ctx, location.Fallback))

	snap, ok := ws.Latest()
	require.True(t, ok)
	assert.Equal(t, 25.0, snap.Value.Temperature)
}

func TestWeatherSync_CoalescesConcurrentRefreshes(t *testing.T) {
	src := &fakeWeather{temp: 30, release: make(chan struct{})}
	ws, err := NewWeatherSync(src, discard, otel.Meter("test"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for n := 0; n < 2; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ws.Refresh(context.Background(), location.Fallback)
		}()
	}

	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.release)
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
}

func TestWeatherSync_DistinctPositionsFetchSeparately(t *testing.T) {
	src := &fakeWeather{temp: 30, release: make(chan struct{})}
	ws, err := NewWeatherSync(src, discard, otel.Meter("test"))
	require.NoError(t, err)

	positions := []location.Position{
		{Lat: 17.38501, Lon: 78.48667},
		{Lat: 17.38502, Lon: 78.48667},
	}
	var wg sync.WaitGroup
	for _, pos := range positions {
		pos := pos
		wg.Add(1)
		go func() {
			defer wg.Done()
			ws.Refresh(context.Background(), pos)
		}()
	}

	require.Eventually(t, func() bool { return src.calls.Load() == 2 }, time.Second, time.Millisecond)
	close(src.release)
	wg.Wait()
}

// ===== history

func TestHistorySync_NoTokenIsNoop(t *testing.T) {
	src := &fakeHistory{entries: entries(2)}
	hs, err := NewHistorySync(src, newSessions(t), discard, otel.Meter("test"))
	require.NoError(t, err)

	require.NoError(t, hs.Refresh(context.Background()))
	assert.Equal(t, 0, src.calls)
	assert.Empty(t, hs.All())
}

func TestHistorySync_RecentReturnsFirstFour(t *testing.T) {
	ctx := context.Background()
	sessions := newSessions(t)
	require.NoError(t, sessions.Login(ctx, "abc", session.User{Name: "Ravi"}))

	src := &fakeHistory{entries: entries(6)}
	hs, err := NewHistorySync(src, sessions, discard, otel.Meter("test"))
	require.NoError(t, err)

	require.NoError(t, hs.Refresh(ctx))
	assert.Equal(t, []string{"abc"}, src.tokens)
	assert.Len(t, hs.All(), 6)
	assert.Equal(t, src.entries[:4], hs.Recent())
}

func TestHistorySync_UnauthorizedRunsHandler(t *testing.T) {
	ctx := context.Background()
	sessions := newSessions(t)
	require.NoError(t, sessions.Login(ctx, "expired", session.User{Name: "Ravi"}))

	src := &fakeHistory{err: backend.ErrUnauthorized}
	hs, err := NewHistorySync(src, sessions, discard, otel.Meter("test"))
	require.NoError(t, err)

	rejected := 0
	hs.OnUnauthorized(func() { rejected++ })

	err = hs.Refresh(ctx)
	assert.ErrorIs(t, err, backend.ErrUnauthorized)
	assert.Equal(t, 1, rejected)
}

func TestHistorySync_FailureKeepsPreviousValue(t *testing.T) {
	ctx := context.Background()
	sessions := newSessions(t)
	require.NoError(t, sessions.Login(ctx, "abc", session.User{Name: "Ravi"}))

	src := &fakeHistory{entries: entries(3)}
	hs, err := NewHistorySync(src, sessions, discard, otel.Meter("test"))
	require.NoError(t, err)
	require.NoError(t, hs.Refresh(ctx))

	src.err = errors.New("connection reset")
	src.entries = nil
	assert.Error(t, hs.Refresh(ctx))
	assert.Len(t, hs.All(), 3)
}

func TestHistorySync_DiscardsResultFromPreviousSession(t *testing.T) {
	ctx := context.Background()
	sessions := newSessions(t)
	require.NoError(t, sessions.Login(ctx, "abc", session.User{Name: "Ravi"}))

	src := &fakeHistory{entries: entries(2)}
	src.during = func() { require.NoError(t, sessions.Logout(ctx)) }
	hs, err := NewHistorySync(src, sessions, discard, otel.Meter("test"))
	require.NoError(t, err)

	require.NoError(t, hs.Refresh(ctx))
	assert.Empty(t, hs.All())
}

func TestHistorySync_ClearedOnLogout(t *testing.T) {
	ctx := context.Background()
	sessions := newSessions(t)
	require.NoError(t, sessions.Login(ctx, "abc", session.User{Name: "Ravi"}))

	hs, err := NewHistorySync(&fakeHistory{entries: entries(2)}, sessions, discard, otel.Meter("test"))
	require.NoError(t, err)
	require.NoError(t, hs.Refresh(ctx))
	require.Len(t, hs.All(), 2)

	require.NoError(t, sessions.Logout(ctx))
	assert.Empty(t, hs.All())
}

// ===== cultivation

type fakeCultivation struct {
	dashboard *backend.Dashboard
	err       error
}

func (f *fakeCultivation) ActiveCultivation(ctx context.Context, token string) (*backend.Dashboard, error) {
	return f.dashboard, f.err
}

func (f *fakeCultivation) CultivationHistory(ctx context.Context, token string) ([]backend.PastCultivation, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []backend.PastCultivation{{ID: 1, CropName: "Rice", Net: 700}}, nil
}

func (f *fakeCultivation) CultivationDetail(ctx context.Context, token string, id int64) (*backend.Dashboard, error) {
	return f.dashboard, f.err
}

func TestCultivationSync(t *testing.T) {
	ctx := context.Background()
	sessions := newSessions(t)
	require.NoError(t, sessions.Login(ctx, "abc", session.User{Name: "Ravi"}))

	src := &fakeCultivation{dashboard: &backend.Dashboard{
		Status:      "active",
		Cultivation: &backend.Cultivation{ID: 3, CropName: "Rice"},
	}}
	cs, err := NewCultivationSync(src, sessions, discard, otel.Meter("test"))
	require.NoError(t, err)

	require.NoError(t, cs.Refresh(ctx))
	d, ok := cs.Dashboard()
	require.True(t, ok)
	assert.True(t, d.Active())

	past, err := cs.Past(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Rice", past[0].CropName)

	rejected := 0
	cs.OnUnauthorized(func() { rejected++ })
	src.err = backend.ErrUnauthorized
	assert.Error(t, cs.Refresh(ctx))
	assert.Equal(t, 1, rejected)

	d, ok = cs.Dashboard()
	require.True(t, ok)
	assert.Equal(t, "Rice", d.Cultivation.CropName)
}
