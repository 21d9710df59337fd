package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrUnauthorized is returned when the backend rejects the bearer token
var ErrUnauthorized = errors.New("authentication rejected")

// APIError is a non-success answer from the backend
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return e.Message
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

type authMode int

const (
	authNone authMode = iota
	authOptional
	authRequired
)

// Client talks to the recommendation backend
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	duration   metric.Float64Histogram
}

// NewClient creates a backend client rooted at baseURL
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q: scheme and host required", baseURL)
	}

	histogram, err := meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		tracer:     tracer,
		duration:   histogram,
	}, nil
}

// ResolveURL turns a server-relative reference such as /static/audio/x.mp3
// into an absolute URL.
func (c *Client) ResolveURL(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid reference %q: %w", ref, err)
	}
	return c.baseURL.ResolveReference(u).String(), nil
}

// Login authenticates with phone and password. A rejected login is reported as
// an *APIError carrying the server's message, never as ErrUnauthorized.
func (c *Client) Login(ctx context.Context, phone, password string) (*AuthResponse, error) {
	return c.authenticate(ctx, "login", "/login", LoginRequest{Phone: phone, Password: password}, "Login failed")
}

// Register creates an account and signs it in
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*AuthResponse, error) {
	return c.authenticate(ctx, "register", "/register", req, "Registration failed")
}

func (c *Client) authenticate(ctx context.Context, op, path string, payload any, fallback string) (*AuthResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	status, data, err := c.send(ctx, op, http.MethodPost, path, nil, "", authNone, bytes.NewReader(body), "application/json")
	if err != nil {
		return nil, err
	}

	var resp AuthResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if resp.Status != "success" || resp.Token == "" || resp.User == nil {
		msg := resp.Message
		if msg == "" {
			msg = fallback
		}
		return nil, &APIError{Status: status, Message: msg}
	}
	return &resp, nil
}

// Weather fetches current conditions for a position. It is unauthenticated.
func (c *Client) Weather(ctx context.Context, lat, lon float64) (*Weather, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))

	var w Weather
	if err := c.do(ctx, "weather", http.MethodGet, "/weather", q, "", authNone, nil, "", &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// History lists past recommendations, newest first
func (c *Client) History(ctx context.Context, token string) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	if err := c.do(ctx, "history", http.MethodGet, "/history", nil, token, authRequired, nil, "", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Recommend submits soil and location data for crop advice
func (c *Client) Recommend(ctx context.Context, token string, req RecommendRequest) (*Recommendation, error) {
	var rec Recommendation
	if err := c.doJSON(ctx, "recommend_hybrid", http.MethodPost, "/recommend_hybrid", token, authOptional, req, &rec); err != nil {
		return nil, err
	}
	if rec.Error != "" {
		return nil, &APIError{Message: rec.Error}
	}
	if len(rec.RecommendedCrops) == 0 {
		return nil, &APIError{Message: "no crops recommended"}
	}
	return &rec, nil
}

// Chat sends one text message to the assistant
func (c *Client) Chat(ctx context.Context, token string, req ChatRequest) (*ChatResponse, error) {
	var resp ChatResponse
	if err := c.doJSON(ctx, "chat", http.MethodPost, "/chat", token, authOptional, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ChatHistory fetches the persisted conversation
func (c *Client) ChatHistory(ctx context.Context, token string) ([]ChatTurn, error) {
	var turns []ChatTurn
	if err := c.do(ctx, "chat_history", http.MethodGet, "/chat_history", nil, token, authRequired, nil, "", &turns); err != nil {
		return nil, err
	}
	return turns, nil
}

// VoiceUpload is one recorded utterance
type VoiceUpload struct {
	Filename string
	Audio    []byte
	Language string
}

// VoiceChat uploads a recording and returns its transcription and reply
func (c *Client) VoiceChat(ctx context.Context, token string, upload VoiceUpload) (*VoiceChatResponse, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("audio", upload.Filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio part: %w", err)
	}
	if _, err := part.Write(upload.Audio); err != nil {
		return nil, fmt.Errorf("failed to write audio part: %w", err)
	}
	if err := w.WriteField("language", upload.Language); err != nil {
		return nil, fmt.Errorf("failed to write language field: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	var resp VoiceChatResponse
	if err := c.do(ctx, "voice_chat", http.MethodPost, "/api/voice_chat", nil, token, authOptional, &buf, w.FormDataContentType(), &resp); err != nil {
		return nil, err
	}
	if resp.Status != "success" {
		msg := resp.Error
		if msg == "" {
			msg = "voice chat failed"
		}
		return nil, &APIError{Message: msg}
	}
	return &resp, nil
}

// FetchAudio downloads a reply recording
func (c *Client) FetchAudio(ctx context.Context, ref string) ([]byte, error) {
	abs, err := c.ResolveURL(ref)
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "fetch_audio")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, abs, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Message: resp.Status}
	}
	return data, nil
}

// UpdateProfile changes the signed-in user's name, location and picture
func (c *Client) UpdateProfile(ctx context.Context, token string, update ProfileUpdate) (*ProfileResponse, error) {
	var resp ProfileResponse
	if err := c.doJSON(ctx, "profile", http.MethodPost, "/profile", token, authRequired, update, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "success" || resp.User == nil {
		return nil, &APIError{Message: "profile update failed"}
	}
	return &resp, nil
}

// ActiveCultivation returns the dashboard; Status is "none" when nothing is growing
func (c *Client) ActiveCultivation(ctx context.Context, token string) (*Dashboard, error) {
	var d Dashboard
	if err := c.do(ctx, "cultivation_active", http.MethodGet, "/api/cultivation/active", nil, token, authRequired, nil, "", &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// StartCultivation begins tracking crop, completing any active cultivation
func (c *Client) StartCultivation(ctx context.Context, token, crop string) (*StatusResponse, error) {
	var resp StatusResponse
	payload := map[string]string{"crop_name": crop}
	if err := c.doJSON(ctx, "cultivation_start", http.MethodPost, "/api/cultivation/start", token, authRequired, payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FinishCultivation moves the active cultivation to history
func (c *Client) FinishCultivation(ctx context.Context, token string) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.do(ctx, "cultivation_finish", http.MethodPost, "/api/cultivation/finish", nil, token, authRequired, nil, "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CultivationHistory lists completed cultivations with their totals
func (c *Client) CultivationHistory(ctx context.Context, token string) ([]PastCultivation, error) {
	var past []PastCultivation
	if err := c.do(ctx, "cultivation_history", http.MethodGet, "/api/cultivation/history", nil, token, authRequired, nil, "", &past); err != nil {
		return nil, err
	}
	return past, nil
}

// CultivationDetail returns the schedule and ledger of a past cultivation
func (c *Client) CultivationDetail(ctx context.Context, token string, id int64) (*Dashboard, error) {
	var d Dashboard
	path := "/api/cultivation/history/" + strconv.FormatInt(id, 10)
	if err := c.do(ctx, "cultivation_detail", http.MethodGet, path, nil, token, authRequired, nil, "", &d); err != nil {
		return nil, err
	}
	if d.Status != "success" || d.Cultivation == nil {
		return nil, &APIError{Message: "cultivation not found"}
	}
	return &d, nil
}

// UpdateTask marks a scheduled task completed or pending
func (c *Client) UpdateTask(ctx context.Context, token string, id int64, completed bool) error {
	path := "/api/cultivation/schedule/" + strconv.FormatInt(id, 10)
	payload := map[string]bool{"completed": completed}
	return c.doJSON(ctx, "cultivation_schedule", http.MethodPut, path, token, authRequired, payload, nil)
}

// AddLedger records a profit or expense against the active cultivation
func (c *Client) AddLedger(ctx context.Context, token string, entry LedgerEntry) error {
	return c.doJSON(ctx, "cultivation_ledger", http.MethodPost, "/api/cultivation/ledger", token, authRequired, entry, nil)
}

func (c *Client) doJSON(ctx context.Context, op, method, path, token string, mode authMode, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.do(ctx, op, method, path, nil, token, mode, bytes.NewReader(body), "application/json", out)
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, token string, mode authMode, body io.Reader, contentType string, out any) error {
	status, data, err := c.send(ctx, op, method, path, query, token, mode, body, contentType)
	if err != nil {
		return err
	}

	if status == http.StatusUnauthorized && mode != authNone {
		return ErrUnauthorized
	}
	if status < 200 || status > 299 {
		return &APIError{Status: status, Message: errorMessage(data)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, op, method, path string, query url.Values, token string, mode authMode, body io.Reader, contentType string) (int, []byte, error) {
	ctx, span := c.tracer.Start(ctx, op+"_api_call")
	defer span.End()

	if mode == authRequired && token == "" {
		return 0, nil, ErrUnauthorized
	}

	start := time.Now()

	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if method == http.MethodGet {
		req.Header.Set("Cache-Control", "no-cache")
	}
	if mode != authNone && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return 0, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(
			attribute.String("operation", op),
			attribute.Int("status", resp.StatusCode),
		),
	)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	c.logger.Debug("backend call", "operation", op, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())
	return resp.StatusCode, data, nil
}

// errorMessage extracts a readable message from an error body
func errorMessage(data []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	text := strings.TrimSpace(string(data))
	if len(text) > 100 {
		text = text[:100]
	}
	return text
}
