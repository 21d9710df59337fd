package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"SmartKisan/internal/location"
	"SmartKisan/internal/nav"
	"SmartKisan/internal/session"
)

// DefaultSplashDelay is the minimum time the splash screen stays up
const DefaultSplashDelay = 2 * time.Second

var ErrAlreadyRan = errors.New("bootstrap already ran")

// WeatherRefresher is the weather sync as seen by bootstrap
type WeatherRefresher interface {
	Refresh(ctx context.Context, pos location.Position) error
}

// Result is what the app learns at startup
type Result struct {
	Screen        nav.Screen
	Session       session.Session
	Position      location.Position
	PositionKnown bool
}

// Sequencer performs the one-time startup sequence
type Sequencer struct {
	Sessions        *session.Store
	Location        location.Provider
	Weather         WeatherRefresher
	Logger          *slog.Logger
	SplashDelay     time.Duration
	LocationTimeout time.Duration

	ran atomic.Bool
}

// Run restores the session and resolves the position concurrently, then waits
// out the splash delay. Weather for a granted position is fetched in the
// background and never delays the result.
func (s *Sequencer) Run(ctx context.Context) (Result, error) {
	if !s.ran.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyRan
	}

	start := time.Now()
	splash := time.NewTimer(s.SplashDelay)
	defer splash.Stop()

	var res Result
	restored := false

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res.Session, restored = s.Sessions.Restore(gctx)
		return nil
	})
	g.Go(func() error {
		res.Position, res.PositionKnown = location.Resolve(gctx, s.Location, s.LocationTimeout, s.Logger)
		if res.PositionKnown {
			pos := res.Position
			go func() {
				// Outlives bootstrap; failures are logged by the sync
				s.Weather.Refresh(context.WithoutCancel(ctx), pos)
			}()
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	select {
	case <-splash.C:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	res.Screen = nav.Login
	if restored {
		res.Screen = nav.Home
	}

	s.Logger.Info("bootstrap complete",
		"screen", res.Screen.String(),
		"position_known", res.PositionKnown,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}
