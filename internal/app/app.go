// Package app wires the client core together: it owns navigation, per-screen
// form state and the chat transcript, and applies every change to them on the
// UI loop.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"SmartKisan/internal/backend"
	"SmartKisan/internal/bootstrap"
	"SmartKisan/internal/chat"
	"SmartKisan/internal/config"
	"SmartKisan/internal/datasync"
	"SmartKisan/internal/location"
	"SmartKisan/internal/loop"
	"SmartKisan/internal/nav"
	"SmartKisan/internal/session"
	"SmartKisan/internal/voice"
)

// View presents the app. All calls arrive on the UI loop.
type View interface {
	Show(screen nav.Screen, body string)
	Alert(title, message string)
	Inline(message string)
}

// Options holds everything App needs from the outside world
type Options struct {
	Config     config.Config
	Client     *backend.Client
	Sessions   *session.Store
	Location   location.Provider
	Microphone voice.Microphone
	Player     voice.Player
	View       View
	Loop       *loop.Loop
	Logger     *slog.Logger
	Meter      metric.Meter
}

// App represents the main application
type App struct {
	cfg         config.Config
	client      *backend.Client
	sessions    *session.Store
	weather     *datasync.WeatherSync
	history     *datasync.HistorySync
	cultivation *datasync.CultivationSync
	assistant   *chat.Assistant
	voice       *voice.Pipeline
	boot        *bootstrap.Sequencer
	view        View
	loop        *loop.Loop
	logger      *slog.Logger
	now         func() time.Time

	// Loop-owned state
	ctx           context.Context
	nav           *nav.Controller
	transcript    *chat.Transcript
	forms         forms
	language      string
	position      location.Position
	positionKnown bool
	inflight      map[string]bool

	exitOnce sync.Once
	exit     chan struct{}
}

// New creates a new App instance
func New(opts Options) (*App, error) {
	weather, err := datasync.NewWeatherSync(opts.Client, opts.Logger, opts.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create weather sync: %w", err)
	}
	history, err := datasync.NewHistorySync(opts.Client, opts.Sessions, opts.Logger, opts.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create history sync: %w", err)
	}
	cultivation, err := datasync.NewCultivationSync(opts.Client, opts.Sessions, opts.Logger, opts.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create cultivation sync: %w", err)
	}

	a := &App{
		cfg:         opts.Config,
		client:      opts.Client,
		sessions:    opts.Sessions,
		weather:     weather,
		history:     history,
		cultivation: cultivation,
		assistant:   chat.NewAssistant(opts.Client, opts.Logger),
		view:        opts.View,
		loop:        opts.Loop,
		logger:      opts.Logger,
		now:         time.Now,
		ctx:         context.Background(),
		nav:         nav.NewController(opts.Logger),
		language:    opts.Config.App.Language,
		position:    location.Fallback,
		inflight:    map[string]bool{},
		exit:        make(chan struct{}),
	}
	a.transcript = chat.NewTranscript(chat.Greeting(a.language, ""))

	a.voice, err = voice.NewPipeline(voice.Options{
		Microphone: opts.Microphone,
		Uploader:   opts.Client,
		Player:     opts.Player,
		Transcript: a.transcript,
		Alerts:     opts.View,
		UI:         opts.Loop,
		Logger:     opts.Logger,
		Meter:      opts.Meter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create voice pipeline: %w", err)
	}

	a.boot = &bootstrap.Sequencer{
		Sessions:        opts.Sessions,
		Location:        opts.Location,
		Weather:         weather,
		Logger:          opts.Logger,
		SplashDelay:     opts.Config.App.SplashDelay,
		LocationTimeout: opts.Config.Location.Timeout,
	}

	expired := func() {
		a.loop.Post(a.sessionExpired)
	}
	history.OnUnauthorized(expired)
	cultivation.OnUnauthorized(expired)

	return a, nil
}

// Start shows the splash screen and runs the startup sequence. It must be
// called on the loop.
func (a *App) Start(ctx context.Context) {
	a.ctx = ctx
	a.render()

	a.loop.Go(ctx, "bootstrap", func(ctx context.Context) func() {
		res, err := a.boot.Run(ctx)
		return func() {
			if err != nil {
				a.logger.Error("bootstrap failed", "error", err)
				a.quit()
				return
			}
			a.position, a.positionKnown = res.Position, res.PositionKnown
			if res.Session.Present() {
				a.transcript.Reset(chat.Greeting(a.language, res.Session.User.Name))
			}
			a.dispatch(nav.Booted{Authenticated: res.Session.Present()})
		}
	})
}

// Done is closed when the app should exit
func (a *App) Done() <-chan struct{} {
	return a.exit
}

// Screen returns the current screen
func (a *App) Screen() nav.Screen {
	return a.nav.Current()
}

func (a *App) quit() {
	a.exitOnce.Do(func() {
		a.voice.Teardown()
		close(a.exit)
	})
}

func (a *App) guards() nav.Guards {
	return nav.Guards{
		SessionPresent: a.sessions.Current().Present(),
		PositionKnown:  a.positionKnown,
	}
}

// dispatch moves to another screen and schedules the entry effects. It reports
// whether the event was accepted.
func (a *App) dispatch(ev nav.Event) bool {
	out, err := a.nav.Dispatch(ev, a.guards())
	if err != nil {
		return false
	}
	if out.Exit {
		a.quit()
		return true
	}
	if out.Stay {
		return true
	}

	if out.From == nav.Chat {
		a.voice.Teardown()
	}
	a.forms.reset(out.From, a.now())
	a.forms.reset(out.To, a.now())

	a.runEffects(out.Effects)
	a.render()
	return true
}

func (a *App) runEffects(effects nav.Effects) {
	if effects.Has(nav.RefreshHistory) {
		a.loop.Go(a.ctx, "history", func(ctx context.Context) func() {
			if err := a.history.Refresh(ctx); err != nil {
				return nil
			}
			return a.rerenderOn(nav.Home, nav.History)
		})
	}
	if effects.Has(nav.RefreshWeather) {
		pos := a.position
		a.loop.Go(a.ctx, "weather", func(ctx context.Context) func() {
			if err := a.weather.Refresh(ctx, pos); err != nil {
				return nil
			}
			return a.rerenderOn(nav.Home)
		})
	}
	if effects.Has(nav.FetchCultivation) {
		a.loop.Go(a.ctx, "cultivation", func(ctx context.Context) func() {
			if err := a.cultivation.Refresh(ctx); err != nil {
				if !errors.Is(err, backend.ErrUnauthorized) {
					return func() {
						if a.nav.Current() == nav.Cultivation {
							a.view.Alert("Error", "Failed to load dashboard.")
						}
					}
				}
				return nil
			}
			return a.rerenderOn(nav.Cultivation)
		})
	}
}

// rerenderOn redraws if one of screens is showing when the continuation runs
func (a *App) rerenderOn(screens ...nav.Screen) func() {
	return func() {
		current := a.nav.Current()
		for _, s := range screens {
			if s == current {
				a.render()
				return
			}
		}
	}
}

func (a *App) render() {
	screen := a.nav.Current()
	a.view.Show(screen, a.body(screen))
}

// begin marks a control as busy; it returns false if it already is
func (a *App) begin(control string) bool {
	if a.inflight[control] {
		a.logger.Debug("ignoring repeated action while in flight", "control", control)
		return false
	}
	a.inflight[control] = true
	return true
}

func (a *App) end(control string) {
	delete(a.inflight, control)
}

// sessionExpired handles a token the server rejected: log out and go to Login
// without surfacing the raw error.
func (a *App) sessionExpired() {
	if !a.begin("logout") {
		return
	}
	a.logger.Info("session rejected by server, signing out")
	a.logout()
}

func (a *App) logout() {
	a.voice.Teardown()
	a.loop.Go(a.ctx, "logout", func(ctx context.Context) func() {
		err := a.sessions.Logout(ctx)
		return func() {
			a.end("logout")
			if err != nil {
				a.logger.Error("failed to clear session", "error", err)
				a.view.Alert("Error", "Could not clear the saved login. It will be removed on the next start.")
			}
			a.transcript.Reset(chat.Greeting(a.language, ""))
			a.dispatch(nav.SessionEnded{})
		}
	})
}

// handleError reports whether err was a rejected token and, if so, starts
// the forced logout.
func (a *App) handleError(err error) bool {
	if errors.Is(err, backend.ErrUnauthorized) {
		a.sessionExpired()
		return true
	}
	return false
}

func userName(s session.Session) string {
	if s.User == nil {
		return ""
	}
	return s.User.Name
}
