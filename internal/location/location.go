package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Position is a latitude/longitude pair in degrees
type Position struct {
	Lat float64
	Lon float64
}

func (p Position) String() string {
	return fmt.Sprintf("%.4f,%.4f", p.Lat, p.Lon)
}

// Fallback is the geographic centre of India, used whenever no fix is available
var Fallback = Position{Lat: 20.5937, Lon: 78.9629}

// ErrPermissionDenied is returned when the user refuses location access
var ErrPermissionDenied = errors.New("location permission denied")

// Provider grants access to the device position
type Provider interface {
	RequestPermission(ctx context.Context) (bool, error)
	Current(ctx context.Context) (Position, error)
}

// Resolve asks for permission and one position. Denial, failure or timeout
// returns Fallback with known=false; there is no retry.
func Resolve(ctx context.Context, p Provider, timeout time.Duration, logger *slog.Logger) (pos Position, known bool) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		pos Position
		err error
	}
	done := make(chan result, 1)

	go func() {
		granted, err := p.RequestPermission(ctx)
		if err != nil {
			done <- result{err: fmt.Errorf("failed to request permission: %w", err)}
			return
		}
		if !granted {
			done <- result{err: ErrPermissionDenied}
			return
		}
		pos, err := p.Current(ctx)
		done <- result{pos: pos, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			logger.Warn("using fallback position", "error", r.err)
			return Fallback, false
		}
		logger.Info("position acquired", "position", r.pos.String())
		return r.pos, true
	case <-ctx.Done():
		logger.Warn("using fallback position", "error", ctx.Err())
		return Fallback, false
	}
}

// StaticProvider serves a configured position. A disabled provider behaves
// like a denied permission prompt.
type StaticProvider struct {
	Enabled  bool
	Position Position
}

func (s StaticProvider) RequestPermission(ctx context.Context) (bool, error) {
	return s.Enabled, nil
}

func (s StaticProvider) Current(ctx context.Context) (Position, error) {
	if !s.Enabled {
		return Position{}, ErrPermissionDenied
	}
	return s.Position, nil
}
