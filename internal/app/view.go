package app

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"SmartKisan/internal/backend"
	"SmartKisan/internal/nav"
	"SmartKisan/internal/voice"
)

// TerminalView prints screens as plain text
type TerminalView struct {
	mu  sync.Mutex
	out io.Writer
}

func NewTerminalView(out io.Writer) *TerminalView {
	return &TerminalView{out: out}
}

func (v *TerminalView) Show(screen nav.Screen, body string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, "\n=== %s ===\n%s", strings.ToUpper(screen.String()), body)
	if nav.ShowNav(screen) {
		names := make([]string, len(nav.Tabs))
		for i, t := range nav.Tabs {
			names[i] = t.String()
		}
		fmt.Fprintf(v.out, "[%s]  (+) /scan\n", strings.Join(names, " | "))
	}
}

func (v *TerminalView) Alert(title, message string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, "\n[%s] %s\n", title, message)
}

func (v *TerminalView) Inline(message string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, "! %s\n", message)
}

// body renders the content of screen from loop-owned state
func (a *App) body(screen nav.Screen) string {
	var b strings.Builder
	sess := a.sessions.Current()

	switch screen {
	case nav.Splash:
		b.WriteString("Smart Kisan\nLoading...\n")

	case nav.Login:
		b.WriteString("Sign in: /login <phone> <password>\nNew here? /go register\n")

	case nav.Register:
		b.WriteString("Create account: /register <name> <phone> <password> [location]\nHave an account? /go login\n")

	case nav.Home:
		fmt.Fprintf(&b, "Namaste, %s\n", userName(sess))
		if snap, ok := a.weather.Latest(); ok {
			w := snap.Value
			fmt.Fprintf(&b, "Weather in %s: %s, %s, humidity %.0f%%, wind %.1f m/s\n",
				w.Location, w.DisplayTemperature(), w.Description, w.Humidity, w.WindSpeed)
		} else {
			b.WriteString("Weather unavailable\n")
		}
		recent := a.history.Recent()
		if len(recent) > 0 {
			b.WriteString("Recent scans:\n")
			writeHistory(&b, recent)
		}
		b.WriteString("/go input to analyse soil, /view <n> to open a scan\n")

	case nav.Input:
		f := a.forms.input
		fmt.Fprintf(&b, "Season: %s (/season kharif|rabi|zaid)\n", f.season)
		fmt.Fprintf(&b, "N=%s P=%s K=%s pH=%s temp=%s (/set n=90 ph=6.5)\n",
			optional(f.n), optional(f.p), optional(f.k), optional(f.ph), optional(f.temp))
		if f.imagePath != "" {
			fmt.Fprintf(&b, "Soil image: %s\n", f.imagePath)
		} else {
			b.WriteString("Soil image: none (/image <path>)\n")
		}
		fmt.Fprintf(&b, "Location: %s\n", a.position.String())
		b.WriteString("/submit to analyse, /go home to cancel\n")

	case nav.Processing:
		b.WriteString("Analysing soil and weather...\n")

	case nav.Result:
		writeResult(&b, a.nav.Result(), a.forms.selected)
		b.WriteString("/select <n>, /cultivate, /go home, /go input\n")

	case nav.History:
		entries := a.history.All()
		if len(entries) == 0 {
			b.WriteString("No scans yet. /go input to start one.\n")
		} else {
			writeHistory(&b, entries)
			b.WriteString("/view <n> to open a scan\n")
		}

	case nav.Chat:
		for _, m := range a.transcript.Messages() {
			who := "You"
			if m.IsBot {
				who = "Kisan"
			}
			fmt.Fprintf(&b, "%s: %s\n", who, m.Text)
		}
		if len(a.forms.chatHistory) > 0 {
			b.WriteString("--- earlier ---\n")
			for _, turn := range a.forms.chatHistory {
				who := "You"
				if turn.IsBot {
					who = "Kisan"
				}
				fmt.Fprintf(&b, "%s: %s\n", who, turn.Text)
			}
		}
		switch a.voice.State() {
		case voice.Recording:
			b.WriteString("(recording... /send to send, /cancel to discard)\n")
		case voice.Stopping, voice.Uploading:
			b.WriteString("(sending voice message...)\n")
		default:
			b.WriteString("Type a question, /record for voice, /chathistory for earlier chats\n")
		}

	case nav.Profile:
		if sess.User != nil {
			fmt.Fprintf(&b, "Name: %s\nPhone: %s\nLocation: %s\n", sess.User.Name, sess.User.Phone, sess.User.Location)
		}
		fmt.Fprintf(&b, "Language: %s (/lang en|hi|te|ta|kn)\n", a.language)
		b.WriteString("/profile name=<name> location=<place> [pic=<path>], /logout\n")

	case nav.Cultivation:
		a.writeCultivation(&b)
	}

	return b.String()
}

func (a *App) writeCultivation(b *strings.Builder) {
	f := a.forms.cultivation
	switch {
	case f.detail != nil:
		if c := f.detail.Cultivation; c != nil {
			fmt.Fprintf(b, "Past cultivation: %s (from %s)\n", c.CropName, c.StartDate)
		}
		writeDashboard(b, *f.detail)
		return
	case f.past != nil:
		if len(f.past) == 0 {
			b.WriteString("No past cultivations.\n")
		}
		for _, p := range f.past {
			fmt.Fprintf(b, "#%d %s (%s) profit %.2f expense %.2f net %.2f\n", p.ID, p.CropName, p.StartDate, p.Profit, p.Expense, p.Net)
		}
		b.WriteString("/detail <id> to open one\n")
		return
	}

	d, ok := a.cultivation.Dashboard()
	if !ok {
		b.WriteString("Loading dashboard...\n")
		return
	}
	if !d.Active() {
		b.WriteString("No active cultivation. Start one from a scan result.\n/past for completed cultivations\n")
		return
	}
	fmt.Fprintf(b, "Growing %s since %s\n", d.Cultivation.CropName, d.Cultivation.StartDate)
	writeDashboard(b, d)
	b.WriteString("/task <id>, /ledger profit|expense <amount> [category] [notes], /finish, /past\n")
}

func writeDashboard(b *strings.Builder, d backend.Dashboard) {
	for _, t := range d.Schedules {
		mark := " "
		if t.Completed {
			mark = "x"
		}
		fmt.Fprintf(b, "[%s] #%d %s (due %s)\n", mark, t.ID, t.TaskName, t.DueDate)
	}
	for _, l := range d.Ledgers {
		category := l.Category
		if category == "" {
			category = "General"
		}
		fmt.Fprintf(b, "%s %s %.2f %s\n", l.Date, l.Type, l.Amount, category)
	}
	totals := d.Totals()
	fmt.Fprintf(b, "Profit %.2f  Expense %.2f  Net %.2f\n", totals.Profit, totals.Expense, totals.Net)
}

func writeHistory(b *strings.Builder, entries []backend.HistoryEntry) {
	for i, e := range entries {
		crop := "-"
		if len(e.RecommendedCrops) > 0 {
			crop = e.RecommendedCrops[0].Crop
		}
		fmt.Fprintf(b, "%d. %s  %s  soil %s\n", i+1, e.Timestamp, crop, e.SoilAssessment.Type)
	}
}

func writeResult(b *strings.Builder, rec *backend.Recommendation, selected int) {
	if rec == nil {
		return
	}
	if rec.Timestamp != "" {
		fmt.Fprintf(b, "Scan of %s\n", rec.Timestamp)
	}
	for i, c := range rec.RecommendedCrops {
		marker := " "
		if i == selected {
			marker = ">"
		}
		fmt.Fprintf(b, "%s %d. %s (%.0f%%) %s\n", marker, i+1, c.Crop, c.Confidence*100, c.Explanation)
	}
	if rec.SoilAssessment.Type != "" {
		fmt.Fprintf(b, "Soil: %s", rec.SoilAssessment.Type)
		if rec.SoilAssessment.Fertility != "" {
			fmt.Fprintf(b, ", fertility %s", rec.SoilAssessment.Fertility)
		}
		b.WriteString("\n")
	}
	ws := rec.WeatherSummary
	if ws != (backend.WeatherSummary{}) {
		fmt.Fprintf(b, "Weather: %.1f°C, rainfall %.1f mm, humidity %.0f%%\n", ws.Temperature, ws.Rainfall, ws.Humidity)
	}
	for _, r := range rec.RisksPrecautions.Risks {
		fmt.Fprintf(b, "Risk: %s\n", r)
	}
	for _, p := range rec.RisksPrecautions.Precautions {
		fmt.Fprintf(b, "Precaution: %s\n", p)
	}
}

func optional(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%g", *v)
}
