// Package nav is the screen state machine. Transition is pure; Controller owns
// the current screen and hands out tickets so late responses can tell whether
// the screen that issued them is still showing.
package nav

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"SmartKisan/internal/backend"
)

// Screen is one of the closed set of app screens
type Screen int

const (
	Splash Screen = iota
	Login
	Register
	Home
	Input
	Processing
	Result
	History
	Chat
	Profile
	Cultivation
)

var screenNames = [...]string{
	Splash:      "splash",
	Login:       "login",
	Register:    "register",
	Home:        "home",
	Input:       "input",
	Processing:  "processing",
	Result:      "result",
	History:     "history",
	Chat:        "chat",
	Profile:     "profile",
	Cultivation: "cultivation",
}

func (s Screen) String() string {
	if s < 0 || int(s) >= len(screenNames) {
		return fmt.Sprintf("screen(%d)", int(s))
	}
	return screenNames[s]
}

// Tabs are the bottom navigation entries, in display order
var Tabs = []Screen{Home, History, Cultivation, Chat, Profile}

// IsTab reports whether s is reachable from the bottom navigation
func IsTab(s Screen) bool {
	for _, t := range Tabs {
		if t == s {
			return true
		}
	}
	return false
}

// ParseTab maps a tab id such as "history" to its screen
func ParseTab(id string) (Screen, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, t := range Tabs {
		if t.String() == id {
			return t, true
		}
	}
	return 0, false
}

// ShowNav reports whether the bottom navigation and the new-scan button are visible
func ShowNav(s Screen) bool {
	switch s {
	case Splash, Input, Processing, Result, Login, Register:
		return false
	}
	return true
}

var (
	ErrIllegalTransition = errors.New("illegal transition")
	ErrMissingPayload    = errors.New("result requires a recommendation")
)

// Event is something that can move the app to another screen
type Event interface {
	event()
}

type (
	// Booted ends the splash screen
	Booted struct{ Authenticated bool }
	// BackPressed is the hardware back gesture
	BackPressed struct{}
	// TabSelected is a tap on the bottom navigation
	TabSelected struct{ Tab Screen }
	// NewScan is the floating new-scan button
	NewScan struct{}
	// Go is an in-screen link such as "Register" on the login screen
	Go struct{ To Screen }
	// SubmitStarted is an accepted soil analysis submission
	SubmitStarted struct{}
	// SubmitFailed ends a submission without a result
	SubmitFailed struct{}
	// ShowResult opens the result screen for a recommendation
	ShowResult struct{ Payload *backend.Recommendation }
	// Authenticated follows a successful login or registration
	Authenticated struct{}
	// SessionEnded follows logout or a rejected token
	SessionEnded struct{}
)

func (Booted) event()        {}
func (BackPressed) event()   {}
func (TabSelected) event()   {}
func (NewScan) event()       {}
func (Go) event()            {}
func (SubmitStarted) event() {}
func (SubmitFailed) event()  {}
func (ShowResult) event()    {}
func (Authenticated) event() {}
func (SessionEnded) event()  {}

// Effects are side effects scheduled by entering a screen. They form a set.
type Effects uint8

const (
	RefreshHistory Effects = 1 << iota
	RefreshWeather
	FetchCultivation
)

// Has reports whether every effect in f is scheduled
func (e Effects) Has(f Effects) bool {
	return e&f == f
}

func (e Effects) String() string {
	var names []string
	if e.Has(RefreshHistory) {
		names = append(names, "refresh_history")
	}
	if e.Has(RefreshWeather) {
		names = append(names, "refresh_weather")
	}
	if e.Has(FetchCultivation) {
		names = append(names, "fetch_cultivation")
	}
	return strings.Join(names, "|")
}

// Guards are the facts entry effects depend on
type Guards struct {
	SessionPresent bool
	PositionKnown  bool
}

// Outcome is the result of a transition. When Exit is set the app should
// close; when Stay is set nothing changed.
type Outcome struct {
	From    Screen
	To      Screen
	Effects Effects
	Payload *backend.Recommendation
	Exit    bool
	Stay    bool
}

// routes lists the in-screen links each screen offers
var routes = map[Screen][]Screen{
	Login:    {Register},
	Register: {Login},
	Home:     {Input},
	Input:    {Home},
	Result:   {Home, Input},
	History:  {Input},
}

// Transition computes the next screen for ev. It never mutates anything.
func Transition(current Screen, ev Event, g Guards) (Outcome, error) {
	out := Outcome{From: current}

	switch e := ev.(type) {
	case Booted:
		if current != Splash {
			return Outcome{}, illegal(current, ev)
		}
		if e.Authenticated {
			return enter(out, Home, g), nil
		}
		return enter(out, Login, g), nil

	case BackPressed:
		switch current {
		case Home, Login, Register:
			out.To, out.Exit = current, true
			return out, nil
		case Splash:
			out.To, out.Stay = current, true
			return out, nil
		}
		return enter(out, Home, g), nil

	case TabSelected:
		if !ShowNav(current) || !IsTab(e.Tab) {
			return Outcome{}, illegal(current, ev)
		}
		return enter(out, e.Tab, g), nil

	case NewScan:
		if !ShowNav(current) {
			return Outcome{}, illegal(current, ev)
		}
		return enter(out, Input, g), nil

	case Go:
		for _, to := range routes[current] {
			if to == e.To {
				return enter(out, to, g), nil
			}
		}
		return Outcome{}, illegal(current, ev)

	case SubmitStarted:
		if current != Input {
			return Outcome{}, illegal(current, ev)
		}
		return enter(out, Processing, g), nil

	case SubmitFailed:
		if current != Processing {
			return Outcome{}, illegal(current, ev)
		}
		return enter(out, Input, g), nil

	case ShowResult:
		switch current {
		case Processing, Home, History:
		default:
			return Outcome{}, illegal(current, ev)
		}
		if e.Payload == nil {
			return Outcome{}, fmt.Errorf("%w: %w", ErrIllegalTransition, ErrMissingPayload)
		}
		out = enter(out, Result, g)
		out.Payload = e.Payload
		return out, nil

	case Authenticated:
		if current != Login && current != Register {
			return Outcome{}, illegal(current, ev)
		}
		return enter(out, Home, g), nil

	case SessionEnded:
		if current == Splash {
			return Outcome{}, illegal(current, ev)
		}
		return enter(out, Login, g), nil
	}

	return Outcome{}, illegal(current, ev)
}

func enter(out Outcome, to Screen, g Guards) Outcome {
	out.To = to
	switch to {
	case Home:
		if g.SessionPresent {
			out.Effects |= RefreshHistory
		}
		if g.PositionKnown {
			out.Effects |= RefreshWeather
		}
	case History, Result:
		out.Effects |= RefreshHistory
	case Cultivation:
		out.Effects |= FetchCultivation
	}
	return out
}

func illegal(current Screen, ev Event) error {
	return fmt.Errorf("%w: %T on %s", ErrIllegalTransition, ev, current)
}

// Ticket identifies one visit to a screen
type Ticket struct {
	Screen Screen
	visit  uint64
}

// Controller owns the current screen
type Controller struct {
	logger *slog.Logger

	mu      sync.Mutex
	current Screen
	visit   uint64
	result  *backend.Recommendation
}

// NewController starts on the splash screen
func NewController(logger *slog.Logger) *Controller {
	return &Controller{logger: logger, current: Splash}
}

// Current returns the screen being shown
func (c *Controller) Current() Screen {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Dispatch applies ev. An illegal event leaves the screen unchanged.
func (c *Controller) Dispatch(ev Event, g Guards) (Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out, err := Transition(c.current, ev, g)
	if err != nil {
		c.logger.Warn("rejected navigation", "screen", c.current.String(), "error", err)
		return Outcome{}, err
	}
	if out.Exit || out.Stay {
		return out, nil
	}

	c.current = out.To
	c.visit++
	if out.To == Result {
		c.result = out.Payload
	} else {
		c.result = nil
	}

	c.logger.Debug("navigated", "from", out.From.String(), "to", out.To.String(), "effects", out.Effects.String())
	return out, nil
}

// Ticket captures the current visit
func (c *Controller) Ticket() Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Ticket{Screen: c.current, visit: c.visit}
}

// IsCurrent reports whether the visit t was taken in is still showing
func (c *Controller) IsCurrent(t Ticket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return t.Screen == c.current && t.visit == c.visit
}

// Result returns the recommendation shown on the result screen
func (c *Controller) Result() *backend.Recommendation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}
