package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"SmartKisan/internal/session"
)

// LoginRequest represents the request body for /login
type LoginRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

// RegisterRequest represents the request body for /register
type RegisterRequest struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
	Location string `json:"location"`
}

// AuthResponse is returned by /login and /register
type AuthResponse struct {
	Status  string        `json:"status"`
	Token   string        `json:"token"`
	User    *session.User `json:"user"`
	Message string        `json:"message"`
}

// Weather is the snapshot served by /weather
type Weather struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Rainfall    float64 `json:"rainfall"`
	WindSpeed   float64 `json:"wind_speed"`
	Description string  `json:"description"`
	Location    string  `json:"location"`
}

// DisplayTemperature renders the temperature rounded to whole degrees
func (w Weather) DisplayTemperature() string {
	return fmt.Sprintf("%d°C", int(math.Round(w.Temperature)))
}

// Explanation accepts either a plain string or an object with a text field
type Explanation string

func (e *Explanation) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = Explanation(s)
		return nil
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("explanation is neither string nor object: %w", err)
	}
	*e = Explanation(obj.Text)
	return nil
}

// CropRecommendation is one ranked crop suggestion
type CropRecommendation struct {
	Crop        string      `json:"crop"`
	Confidence  float64     `json:"confidence"`
	Suitability string      `json:"suitability,omitempty"`
	Explanation Explanation `json:"explanation"`
}

// SoilAssessment describes the analysed soil
type SoilAssessment struct {
	Type        string             `json:"type"`
	Confidence  float64            `json:"confidence,omitempty"`
	InferredNPK map[string]float64 `json:"inferred_npk,omitempty"`
	Moisture    string             `json:"moisture,omitempty"`
	Fertility   string             `json:"fertility,omitempty"`
}

// WeatherSummary is the weather used for a recommendation
type WeatherSummary struct {
	Temperature float64 `json:"temperature"`
	Rainfall    float64 `json:"rainfall"`
	Humidity    float64 `json:"humidity"`
	Season      string  `json:"season,omitempty"`
}

// RisksPrecautions lists crop risks and advice
type RisksPrecautions struct {
	Risks       []string `json:"risks"`
	Precautions []string `json:"precautions"`
}

// RecommendRequest represents the request body for /recommend_hybrid
type RecommendRequest struct {
	Lat         float64  `json:"lat"`
	Lon         float64  `json:"lon"`
	N           *float64 `json:"N,omitempty"`
	P           *float64 `json:"P,omitempty"`
	K           *float64 `json:"K,omitempty"`
	PH          *float64 `json:"ph,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Season      string   `json:"season,omitempty"`
	ImageBase64 string   `json:"image_base64,omitempty"`
	Language    string   `json:"language"`
}

// Recommendation is the result of /recommend_hybrid
type Recommendation struct {
	RecommendedCrops []CropRecommendation `json:"recommended_crops"`
	SoilAssessment   SoilAssessment       `json:"soil_assessment"`
	WeatherSummary   WeatherSummary       `json:"weather_summary"`
	RisksPrecautions RisksPrecautions     `json:"risks_precautions"`
	Timestamp        string               `json:"timestamp,omitempty"`
	Error            string               `json:"error,omitempty"`
}

// HistoryEntry is a stored past recommendation
type HistoryEntry struct {
	Timestamp        string               `json:"timestamp"`
	RecommendedCrops []CropRecommendation `json:"recommended_crops"`
	SoilAssessment   SoilAssessment       `json:"soil_assessment"`
	FullResponse     json.RawMessage      `json:"full_response,omitempty"`
}

// Recommendation rebuilds the original payload, falling back to the summary
// fields when the full response is missing or unreadable.
func (h HistoryEntry) Recommendation() *Recommendation {
	if len(h.FullResponse) > 0 && !bytes.Equal(h.FullResponse, []byte("null")) {
		var rec Recommendation
		if err := json.Unmarshal(h.FullResponse, &rec); err == nil && len(rec.RecommendedCrops) > 0 {
			if rec.Timestamp == "" || rec.Timestamp == "Just Now" {
				rec.Timestamp = h.Timestamp
			}
			return &rec
		}
	}
	return &Recommendation{
		RecommendedCrops: h.RecommendedCrops,
		SoilAssessment:   h.SoilAssessment,
		Timestamp:        h.Timestamp,
	}
}

// ChatRequest represents the request body for /chat
type ChatRequest struct {
	Message  string `json:"message"`
	Language string `json:"language"`
}

// ChatResponse is returned by /chat
type ChatResponse struct {
	Reply string `json:"reply"`
}

// ChatTurn is one persisted chat line from /chat_history
type ChatTurn struct {
	Text  string `json:"text"`
	IsBot bool   `json:"isBot"`
}

// VoiceChatResponse is returned by /api/voice_chat
type VoiceChatResponse struct {
	Status   string `json:"status"`
	UserText string `json:"user_text"`
	Reply    string `json:"reply"`
	AudioURL string `json:"audio_url,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ProfileUpdate represents the request body for /profile
type ProfileUpdate struct {
	Name       string `json:"name"`
	Location   string `json:"location"`
	ProfilePic string `json:"profile_pic,omitempty"`
}

// ProfileResponse is returned by /profile
type ProfileResponse struct {
	Status string        `json:"status"`
	User   *session.User `json:"user"`
}

// Ledger entry types
const (
	LedgerProfit  = "PROFIT"
	LedgerExpense = "EXPENSE"
)

// Cultivation is one crop-growing cycle
type Cultivation struct {
	ID        int64  `json:"id"`
	CropName  string `json:"crop_name"`
	StartDate string `json:"start_date"`
	Status    string `json:"status,omitempty"`
}

// Task is a scheduled cultivation task
type Task struct {
	ID        int64  `json:"id"`
	TaskName  string `json:"task_name"`
	DueDate   string `json:"due_date"`
	Completed bool   `json:"completed"`
}

// LedgerEntry is a dated profit or expense record
type LedgerEntry struct {
	ID       int64   `json:"id,omitempty"`
	Type     string  `json:"type"`
	Amount   float64 `json:"amount"`
	Category string  `json:"category,omitempty"`
	Notes    string  `json:"notes,omitempty"`
	Date     string  `json:"date,omitempty"`
}

// Dashboard is the active cultivation with its schedule and ledger
type Dashboard struct {
	Status      string        `json:"status"`
	Cultivation *Cultivation  `json:"cultivation,omitempty"`
	Schedules   []Task        `json:"schedules"`
	Ledgers     []LedgerEntry `json:"ledgers"`
}

// Active reports whether a cultivation is in progress
func (d Dashboard) Active() bool {
	return d.Status == "active" && d.Cultivation != nil
}

// Totals sums the ledger
type Totals struct {
	Profit  float64
	Expense float64
	Net     float64
}

// Totals computes profit, expense and net over the ledger
func (d Dashboard) Totals() Totals {
	var t Totals
	for _, l := range d.Ledgers {
		if l.Type == LedgerProfit {
			t.Profit += l.Amount
		} else {
			t.Expense += l.Amount
		}
	}
	t.Net = t.Profit - t.Expense
	return t
}

// PastCultivation is a summary row from /api/cultivation/history
type PastCultivation struct {
	ID        int64   `json:"id"`
	CropName  string  `json:"crop_name"`
	StartDate string  `json:"start_date"`
	Profit    float64 `json:"profit"`
	Expense   float64 `json:"expense"`
	Net       float64 `json:"net"`
}

// StatusResponse is the generic {status, message} acknowledgement
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Tasks   int    `json:"tasks,omitempty"`
	Error   string `json:"error,omitempty"`
}
