package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"SmartKisan/internal/backend"
	"SmartKisan/internal/chat"
	"SmartKisan/internal/config"
	"SmartKisan/internal/nav"
	"SmartKisan/internal/voice"
)

// Every method here runs on the UI loop. Network and storage work is handed
// to loop.Go and its result applied in the returned continuation.

// Login signs in with phone and password
func (a *App) Login(phone, password string) {
	if phone == "" || password == "" {
		a.inline(msgFillAll)
		return
	}
	a.authenticate("login", func(ctx context.Context) (*backend.AuthResponse, error) {
		return a.client.Login(ctx, phone, password)
	}, "Login failed")
}

// Register creates an account; location is optional
func (a *App) Register(name, phone, password, location string) {
	if name == "" || phone == "" || password == "" {
		a.inline(msgFillRequired)
		return
	}
	a.authenticate("register", func(ctx context.Context) (*backend.AuthResponse, error) {
		return a.client.Register(ctx, backend.RegisterRequest{
			Name:     name,
			Phone:    phone,
			Password: password,
			Location: location,
		})
	}, "Registration failed")
}

func (a *App) authenticate(control string, call func(context.Context) (*backend.AuthResponse, error), fallback string) {
	if !a.begin(control) {
		return
	}
	a.inline("")

	a.loop.Go(a.ctx, control, func(ctx context.Context) func() {
		resp, err := call(ctx)
		if err != nil {
			return func() {
				a.end(control)
				var apiErr *backend.APIError
				if errors.As(err, &apiErr) {
					a.inline(apiErr.Message)
					return
				}
				a.logger.Warn("authentication request failed", "control", control, "error", err)
				a.inline("Network Error")
			}
		}

		if err := a.sessions.Login(ctx, resp.Token, *resp.User); err != nil {
			return func() {
				a.end(control)
				a.logger.Error("failed to persist session", "error", err)
				a.inline(fallback)
			}
		}

		return func() {
			a.end(control)
			a.transcript.Reset(chat.Greeting(a.language, resp.User.Name))
			if !a.dispatch(nav.Authenticated{}) {
				a.logger.Info("signed in after leaving the form", "screen", a.nav.Current().String())
			}
		}
	})
}

// Back is the hardware back gesture
func (a *App) Back() {
	a.dispatch(nav.BackPressed{})
}

// SelectTab switches to a bottom navigation tab
func (a *App) SelectTab(id string) {
	tab, ok := nav.ParseTab(id)
	if !ok {
		a.inline(fmt.Sprintf("Unknown tab %q", id))
		return
	}
	if !a.dispatch(nav.TabSelected{Tab: tab}) {
		a.inline("Navigation is not available here")
	}
}

// NewScan is the floating new-scan button
func (a *App) NewScan() {
	if !a.dispatch(nav.NewScan{}) {
		a.inline("Navigation is not available here")
	}
}

// GoTo follows an in-screen link
func (a *App) GoTo(name string) {
	for s := nav.Splash; s <= nav.Cultivation; s++ {
		if s.String() == strings.ToLower(name) {
			if !a.dispatch(nav.Go{To: s}) {
				a.inline(fmt.Sprintf("Cannot go to %s from here", name))
			}
			return
		}
	}
	a.inline(fmt.Sprintf("Unknown screen %q", name))
}

// SetSeason overrides the detected season
func (a *App) SetSeason(name string) {
	season, ok := ParseSeason(name)
	if !ok {
		a.inline("Season must be Kharif, Rabi or Zaid")
		return
	}
	a.forms.input.season = season
	a.render()
}

// SetInputs assigns soil values such as n=90 ph=6.5
func (a *App) SetInputs(assignments []string) {
	for _, as := range assignments {
		if err := a.forms.input.set(as); err != nil {
			a.inline(err.Error())
			return
		}
	}
	a.render()
}

// AttachImage reads a soil photo for upload
func (a *App) AttachImage(path string) {
	a.loop.Go(a.ctx, "image", func(ctx context.Context) func() {
		var form inputForm
		err := form.attachImage(path)
		return func() {
			if a.nav.Current() != nav.Input {
				return
			}
			if err != nil {
				a.view.Alert("Error", "Could not read the soil image.")
				return
			}
			a.forms.input.imageBase64, a.forms.input.imagePath = form.imageBase64, form.imagePath
			a.render()
		}
	})
}

// SubmitAnalysis sends the input form for a recommendation
func (a *App) SubmitAnalysis() {
	if !a.begin("recommend") {
		return
	}
	req := a.forms.input.request(a.position, a.language)
	token := a.sessions.Token()

	if !a.dispatch(nav.SubmitStarted{}) {
		a.end("recommend")
		return
	}
	ticket := a.nav.Ticket()

	a.loop.Go(a.ctx, "recommend", func(ctx context.Context) func() {
		rec, err := a.client.Recommend(ctx, token, req)
		return func() {
			a.end("recommend")
			if !a.nav.IsCurrent(ticket) {
				a.logger.Info("discarding recommendation for a screen no longer showing")
				return
			}
			if err != nil {
				if a.handleError(err) {
					return
				}
				a.logger.Warn("recommendation failed", "error", err)
				a.view.Alert("Error", errorText(err))
				a.dispatch(nav.SubmitFailed{})
				return
			}
			a.dispatch(nav.ShowResult{Payload: rec})
		}
	})
}

// SelectCrop picks a recommended crop by its 1-based position
func (a *App) SelectCrop(n int) {
	rec := a.nav.Result()
	if rec == nil || n < 1 || n > len(rec.RecommendedCrops) {
		a.inline("No such crop")
		return
	}
	a.forms.selected = n - 1
	a.render()
}

// StartCultivation begins tracking the selected crop
func (a *App) StartCultivation() {
	rec := a.nav.Result()
	if rec == nil || len(rec.RecommendedCrops) == 0 {
		return
	}
	token := a.sessions.Token()
	if token == "" {
		a.view.Alert("Login Required", "Please login to start tracking crops.")
		return
	}
	if !a.begin("cultivate") {
		return
	}
	crop := rec.RecommendedCrops[a.forms.selected].Crop
	ticket := a.nav.Ticket()

	a.loop.Go(a.ctx, "cultivation_start", func(ctx context.Context) func() {
		_, err := a.client.StartCultivation(ctx, token, crop)
		return func() {
			a.end("cultivate")
			if err != nil {
				if a.handleError(err) {
					return
				}
				var apiErr *backend.APIError
				if errors.As(err, &apiErr) {
					a.view.Alert("Error", "Failed to start cultivation.")
				} else {
					a.view.Alert("Error", "Network error.")
				}
				return
			}
			a.view.Alert("Success!", fmt.Sprintf("You are now cultivating %s. Check the Dashboard for your schedule!", crop))
			if a.nav.IsCurrent(ticket) {
				a.dispatch(nav.Go{To: nav.Home})
			}
		}
	})
}

// ViewHistory opens a past recommendation by its 1-based position in the list
// the current screen shows.
func (a *App) ViewHistory(n int) {
	entries := a.history.All()
	if a.nav.Current() == nav.Home {
		entries = a.history.Recent()
	}
	if n < 1 || n > len(entries) {
		a.inline("No such entry")
		return
	}
	a.dispatch(nav.ShowResult{Payload: entries[n-1].Recommendation()})
}

// ToggleTask flips a scheduled task between done and pending
func (a *App) ToggleTask(id int64) {
	d, ok := a.cultivation.Dashboard()
	if !ok || !d.Active() {
		a.inline("No active cultivation")
		return
	}
	var task *backend.Task
	for i := range d.Schedules {
		if d.Schedules[i].ID == id {
			task = &d.Schedules[i]
		}
	}
	if task == nil {
		a.inline(fmt.Sprintf("No task %d", id))
		return
	}

	completed := !task.Completed
	a.mutateCultivation("task", "Failed to update task.", "", func(ctx context.Context, token string) error {
		return a.client.UpdateTask(ctx, token, id, completed)
	})
}

// AddLedger records a profit or expense
func (a *App) AddLedger(args []string) {
	entry, problem := parseLedger(args, a.now())
	if problem != "" {
		a.view.Alert("Invalid Input", problem)
		return
	}
	a.mutateCultivation("ledger", "Failed to save ledger entry.", "Added to ledger!", func(ctx context.Context, token string) error {
		return a.client.AddLedger(ctx, token, entry)
	})
}

// FinishCultivation moves the active cultivation to history
func (a *App) FinishCultivation() {
	a.mutateCultivation("finish", "Failed to finish.", "Cultivation saved to history.", func(ctx context.Context, token string) error {
		_, err := a.client.FinishCultivation(ctx, token)
		return err
	})
}

func (a *App) mutateCultivation(control, failure, success string, call func(ctx context.Context, token string) error) {
	if !a.begin(control) {
		return
	}
	token := a.sessions.Token()

	a.loop.Go(a.ctx, "cultivation_"+control, func(ctx context.Context) func() {
		err := call(ctx, token)
		return func() {
			a.end(control)
			if err != nil {
				if a.handleError(err) {
					return
				}
				a.logger.Warn("cultivation update failed", "control", control, "error", err)
				a.view.Alert("Error", failure)
				return
			}
			if success != "" {
				a.view.Alert("Success", success)
			}
			a.runEffects(nav.FetchCultivation)
		}
	})
}

// PastCultivations lists completed cultivations
func (a *App) PastCultivations() {
	ticket := a.nav.Ticket()
	a.loop.Go(a.ctx, "cultivation_history", func(ctx context.Context) func() {
		past, err := a.cultivation.Past(ctx)
		return func() {
			if err != nil || !a.nav.IsCurrent(ticket) {
				if err != nil && !errors.Is(err, backend.ErrUnauthorized) {
					a.view.Alert("Error", "Could not fetch history.")
				}
				return
			}
			a.forms.cultivation.past = past
			a.forms.cultivation.detail = nil
			a.render()
		}
	})
}

// CultivationDetail opens one past cultivation
func (a *App) CultivationDetail(id int64) {
	ticket := a.nav.Ticket()
	a.loop.Go(a.ctx, "cultivation_detail", func(ctx context.Context) func() {
		detail, err := a.cultivation.Detail(ctx, id)
		return func() {
			if err != nil || !a.nav.IsCurrent(ticket) {
				if err != nil && !errors.Is(err, backend.ErrUnauthorized) {
					a.view.Alert("Error", "Could not fetch details.")
				}
				return
			}
			a.forms.cultivation.detail = detail
			a.render()
		}
	})
}

// SetLanguage changes the UI and assistant language
func (a *App) SetLanguage(code string) {
	lang, err := config.ParseLanguage(code)
	if err != nil {
		a.inline(fmt.Sprintf("Supported languages: %s", strings.Join(config.Languages, ", ")))
		return
	}
	a.language = lang
	a.logger.Info("language changed", "language", lang)
	a.render()
}

// UpdateProfile changes name, location and optionally the profile picture.
// The updated user re-enters the session through Login.
func (a *App) UpdateProfile(name, location, picPath string) {
	current := a.sessions.Current()
	if !current.Present() {
		return
	}
	if name == "" {
		name = current.User.Name
	}
	if location == "" {
		location = current.User.Location
	}
	if !a.begin("profile") {
		return
	}

	a.loop.Go(a.ctx, "profile", func(ctx context.Context) func() {
		update := backend.ProfileUpdate{Name: name, Location: location, ProfilePic: current.User.ProfilePic}
		if picPath != "" {
			pic, err := os.ReadFile(picPath)
			if err != nil {
				return func() {
					a.end("profile")
					a.view.Alert("Error", "Could not read the picture.")
				}
			}
			update.ProfilePic = dataURI(pic)
		}

		resp, err := a.client.UpdateProfile(ctx, current.Token, update)
		if err == nil {
			err = a.sessions.Login(ctx, current.Token, *resp.User)
		}
		return func() {
			a.end("profile")
			if err != nil {
				if a.handleError(err) {
					return
				}
				a.logger.Warn("profile update failed", "error", err)
				a.view.Alert("Error", "Failed to update profile")
				return
			}
			a.view.Alert("Success", "Profile updated!")
			a.rerenderOn(nav.Profile)()
		}
	})
}

// Logout signs out and returns to the login screen
func (a *App) Logout() {
	if !a.begin("logout") {
		return
	}
	a.logout()
}

// SendChat sends a typed message to the assistant. Empty input is ignored.
func (a *App) SendChat(text string) {
	text = chat.Normalize(text)
	if text == "" {
		return
	}
	a.transcript.Append(text, false)
	a.render()

	token, language := a.sessions.Token(), a.language
	a.loop.Go(a.ctx, "chat", func(ctx context.Context) func() {
		reply, err := a.assistant.Reply(ctx, token, language, text)
		return func() {
			if errors.Is(err, backend.ErrUnauthorized) {
				a.sessionExpired()
				return
			}
			a.transcript.Append(reply, true)
			a.rerenderOn(nav.Chat)()
		}
	})
}

// ChatHistory fetches the stored conversation for display
func (a *App) ChatHistory() {
	token := a.sessions.Token()
	if token == "" {
		a.view.Alert("Login Required", "Please login to see your chat history.")
		return
	}
	ticket := a.nav.Ticket()
	a.loop.Go(a.ctx, "chat_history", func(ctx context.Context) func() {
		turns, err := a.client.ChatHistory(ctx, token)
		return func() {
			if err != nil {
				if !a.handleError(err) {
					a.view.Alert("Error", "Could not load chat history.")
				}
				return
			}
			if a.nav.IsCurrent(ticket) {
				a.forms.chatHistory = turns
				a.render()
			}
		}
	})
}

// StartVoice opens the microphone. A recording that opens after the chat
// screen was left is released at once.
func (a *App) StartVoice() {
	ticket := a.nav.Ticket()
	a.loop.Go(a.ctx, "voice_start", func(ctx context.Context) func() {
		err := a.voice.Start(ctx)
		return func() {
			switch {
			case err == nil && !a.nav.IsCurrent(ticket):
				a.voice.Teardown()
			case err == nil:
				a.rerenderOn(nav.Chat)()
			case errors.Is(err, voice.ErrBusy):
				a.inline("Please wait for the current voice message.")
			}
		}
	})
}

// StopVoice sends the recording
func (a *App) StopVoice() {
	if a.voice.State() != voice.Recording {
		a.inline("Not recording")
		return
	}
	token, language := a.sessions.Token(), a.language
	a.loop.Go(a.ctx, "voice_stop", func(ctx context.Context) func() {
		err := a.voice.Stop(ctx, token, language)
		return func() {
			if errors.Is(err, backend.ErrUnauthorized) {
				a.sessionExpired()
				return
			}
			a.rerenderOn(nav.Chat)()
		}
	})
}

// CancelVoice discards the recording
func (a *App) CancelVoice() {
	a.voice.Teardown()
	a.rerenderOn(nav.Chat)()
}

func (a *App) inline(msg string) {
	a.forms.message = msg
	if msg != "" {
		a.view.Inline(msg)
	}
}

func errorText(err error) string {
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status != 0 {
			return fmt.Sprintf("Server Error (%d): %s", apiErr.Status, apiErr.Message)
		}
		return apiErr.Message
	}
	return "Network request failed"
}
