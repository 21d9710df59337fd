package app

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"SmartKisan/internal/backend"
	"SmartKisan/internal/location"
	"SmartKisan/internal/nav"
)

// Seasons offered on the input screen
const (
	SeasonKharif = "Kharif"
	SeasonRabi   = "Rabi"
	SeasonZaid   = "Zaid"
)

// Form validation messages
const (
	msgFillAll      = "Please fill all fields"
	msgFillRequired = "Please fill required fields"
	msgBadAmount    = "Please enter a valid amount."
)

// SeasonFor picks the cropping season for a date: July to October is Kharif,
// April to June is Zaid, the rest is Rabi.
func SeasonFor(t time.Time) string {
	switch m := t.Month(); {
	case m >= time.July && m <= time.October:
		return SeasonKharif
	case m >= time.April && m <= time.June:
		return SeasonZaid
	default:
		return SeasonRabi
	}
}

// ParseSeason matches a season name case-insensitively
func ParseSeason(s string) (string, bool) {
	for _, season := range []string{SeasonKharif, SeasonRabi, SeasonZaid} {
		if strings.EqualFold(season, s) {
			return season, true
		}
	}
	return "", false
}

// inputForm holds the soil analysis inputs. Unset values are nil.
type inputForm struct {
	season      string
	n, p, k     *float64
	ph, temp    *float64
	imageBase64 string
	imagePath   string
}

// set assigns one named value such as "n=90"
func (f *inputForm) set(assignment string) error {
	key, raw, ok := strings.Cut(assignment, "=")
	if !ok {
		return fmt.Errorf("expected name=value, got %q", assignment)
	}
	key = strings.ToLower(strings.TrimSpace(key))

	var target **float64
	switch key {
	case "n":
		target = &f.n
	case "p":
		target = &f.p
	case "k":
		target = &f.k
	case "ph":
		target = &f.ph
	case "temp", "temperature":
		target = &f.temp
	default:
		return fmt.Errorf("unknown field %q", key)
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		*target = nil
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s", key)
	}
	*target = &v
	return nil
}

func (f *inputForm) attachImage(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read soil image: %w", err)
	}
	f.imageBase64 = base64.StdEncoding.EncodeToString(data)
	f.imagePath = path
	return nil
}

func (f *inputForm) request(pos location.Position, language string) backend.RecommendRequest {
	return backend.RecommendRequest{
		Lat:         pos.Lat,
		Lon:         pos.Lon,
		N:           f.n,
		P:           f.p,
		K:           f.k,
		PH:          f.ph,
		Temperature: f.temp,
		Season:      f.season,
		ImageBase64: f.imageBase64,
		Language:    language,
	}
}

type cultivationForm struct {
	past   []backend.PastCultivation
	detail *backend.Dashboard
}

// forms is the per-screen state. A screen's state is cleared when it is left.
type forms struct {
	message     string // inline feedback on the current screen
	input       inputForm
	selected    int // crop index on the result screen
	cultivation cultivationForm
	chatHistory []backend.ChatTurn
}

func (f *forms) reset(s nav.Screen, now time.Time) {
	f.message = ""
	switch s {
	case nav.Input:
		f.input = inputForm{season: SeasonFor(now)}
	case nav.Result:
		f.selected = 0
	case nav.Cultivation:
		f.cultivation = cultivationForm{}
	case nav.Chat:
		f.chatHistory = nil
	}
}

// parseLedger validates a ledger entry typed as: profit|expense <amount> [category] [notes...]
func parseLedger(args []string, today time.Time) (backend.LedgerEntry, string) {
	if len(args) < 2 {
		return backend.LedgerEntry{}, msgBadAmount
	}

	var kind string
	switch strings.ToLower(args[0]) {
	case "profit":
		kind = backend.LedgerProfit
	case "expense":
		kind = backend.LedgerExpense
	default:
		return backend.LedgerEntry{}, "Ledger type must be profit or expense."
	}

	amount, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return backend.LedgerEntry{}, msgBadAmount
	}

	entry := backend.LedgerEntry{
		Type:     kind,
		Amount:   amount,
		Category: "General",
		Date:     today.Format(time.DateOnly),
	}
	if len(args) > 2 {
		entry.Category = args[2]
	}
	if len(args) > 3 {
		entry.Notes = strings.Join(args[3:], " ")
	}
	return entry, ""
}

// parseAssignments splits name=value words, letting values run on until the
// next name= word, e.g. "name=Ravi Kumar location=Guntur".
func parseAssignments(args []string) map[string]string {
	out := map[string]string{}
	key := ""
	for _, a := range args {
		if k, v, ok := strings.Cut(a, "="); ok && k != "" {
			key = strings.ToLower(k)
			out[key] = v
			continue
		}
		if key != "" {
			out[key] = strings.TrimSpace(out[key] + " " + a)
		}
	}
	return out
}

func dataURI(image []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image)
}
