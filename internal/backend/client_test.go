package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, 5*time.Second,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		otel.Tracer("test"), otel.Meter("test"))
	require.NoError(t, err)
	return client
}

func TestNewClient_RejectsBadBaseURL(t *testing.T) {
	_, err := NewClient("not a url", time.Second, slog.Default(), otel.Tracer("test"), otel.Meter("test"))
	assert.Error(t, err)
}

func TestClient_Login(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/login", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))

		var req LoginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if req.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"status":"error","message":"Invalid credentials"}`))
			return
		}
		w.Write([]byte(`{"status":"success","token":"abc","user":{"name":"Ravi","phone":"9999999999","location":"Guntur"}}`))
	}))

	t.Run("Success", func(t *testing.T) {
		resp, err := client.Login(context.Background(), "9999999999", "secret")
		require.NoError(t, err)
		assert.Equal(t, "abc", resp.Token)
		assert.Equal(t, "Ravi", resp.User.Name)
	})

	t.Run("BadCredentials", func(t *testing.T) {
		_, err := client.Login(context.Background(), "9999999999", "wrong")
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrUnauthorized))

		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, "Invalid credentials", apiErr.Message)
	})
}

func TestClient_RegisterDefaultMessage(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"status":"error"}`))
	}))

	_, err := client.Register(context.Background(), RegisterRequest{Name: "Ravi"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Registration failed", apiErr.Message)
}

func TestClient_Weather(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/weather", r.URL.Path)
		assert.Equal(t, "17.385", r.URL.Query().Get("lat"))
		assert.Equal(t, "78.4867", r.URL.Query().Get("lon"))
		assert.Equal(t, "no-cache", r.Header.Get("Cache-Control"))
		w.Write([]byte(`{"temperature":31.2,"humidity":60,"rainfall":0,"wind_speed":3.5,"description":"clear sky","location":"Hyderabad"}`))
	}))

	w, err := client.Weather(context.Background(), 17.385, 78.4867)
	require.NoError(t, err)
	assert.Equal(t, "31°C", w.DisplayTemperature())
	assert.Equal(t, "Hyderabad", w.Location)
}

func TestClient_HistoryUnauthorized(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer expired", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"msg":"Token has expired"}`))
	}))

	_, err := client.History(context.Background(), "expired")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestClient_RequiredAuthWithoutToken(t *testing.T) {
	called := false
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	_, err := client.History(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, called)
}

func TestClient_Recommend(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, 90.0, req["N"])
			assert.NotContains(t, req, "P")
			assert.Equal(t, "hi", req["language"])

			w.Write([]byte(`{
				"recommended_crops":[
					{"crop":"Rice","confidence":0.91,"explanation":"Plenty of rain"},
					{"crop":"Maize","confidence":0.72,"explanation":{"text":"Warm soil"}},
					{"crop":"Cotton","confidence":0.5,"explanation":null}
				],
				"soil_assessment":{"type":"Alluvial"},
				"weather_summary":{"temperature":29,"rainfall":200,"humidity":80}
			}`))
		}))

		n := 90.0
		rec, err := client.Recommend(context.Background(), "", RecommendRequest{Lat: 1, Lon: 2, N: &n, Language: "hi"})
		require.NoError(t, err)
		require.Len(t, rec.RecommendedCrops, 3)
		assert.Equal(t, Explanation("Plenty of rain"), rec.RecommendedCrops[0].Explanation)
		assert.Equal(t, Explanation("Warm soil"), rec.RecommendedCrops[1].Explanation)
		assert.Equal(t, Explanation(""), rec.RecommendedCrops[2].Explanation)
	})

	t.Run("ErrorBody", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"error":"Invalid image"}`))
		}))

		_, err := client.Recommend(context.Background(), "", RecommendRequest{})
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, "Invalid image", apiErr.Message)
	})

	t.Run("ServerError", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))

		_, err := client.Recommend(context.Background(), "", RecommendRequest{})
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
		assert.Equal(t, "boom", apiErr.Message)
	})
}

func TestClient_VoiceChat(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/voice_chat", r.URL.Path)
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))

		assert.Equal(t, "te", r.FormValue("language"))
		file, header, err := r.FormFile("audio")
		require.NoError(t, err)
		defer file.Close()
		data, _ := io.ReadAll(file)
		assert.Equal(t, "rec.m4a", header.Filename)
		assert.Equal(t, []byte("audio-bytes"), data)

		w.Write([]byte(`{"status":"success","user_text":"When to sow?","reply":"In June.","audio_url":"/static/audio/r.mp3"}`))
	}))

	resp, err := client.VoiceChat(context.Background(), "abc", VoiceUpload{
		Filename: "rec.m4a",
		Audio:    []byte("audio-bytes"),
		Language: "te",
	})
	require.NoError(t, err)
	assert.Equal(t, "When to sow?", resp.UserText)
	assert.Equal(t, "/static/audio/r.mp3", resp.AudioURL)

	abs, err := client.ResolveURL(resp.AudioURL)
	require.NoError(t, err)
	assert.Contains(t, abs, "http://127.0.0.1")
	assert.Contains(t, abs, "/static/audio/r.mp3")
}

func TestClient_UpdateTaskUsesPut(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/cultivation/schedule/7", r.URL.Path)
		var body map[string]bool
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body["completed"])
		w.Write([]byte(`{"status":"success"}`))
	}))

	require.NoError(t, client.UpdateTask(context.Background(), "abc", 7, true))
}

func TestHistoryEntry_Recommendation(t *testing.T) {
	t.Run("FullResponse", func(t *testing.T) {
		entry := HistoryEntry{
			Timestamp:    "2024-06-01 10:00",
			FullResponse: json.RawMessage(`{"recommended_crops":[{"crop":"Rice","confidence":0.9}],"timestamp":"Just Now"}`),
		}
		rec := entry.Recommendation()
		assert.Equal(t, "Rice", rec.RecommendedCrops[0].Crop)
		assert.Equal(t, "2024-06-01 10:00", rec.Timestamp)
	})

	t.Run("SummaryFallback", func(t *testing.T) {
		entry := HistoryEntry{
			Timestamp:        "2024-06-01 10:00",
			RecommendedCrops: []CropRecommendation{{Crop: "Wheat"}},
			FullResponse:     json.RawMessage(`null`),
		}
		rec := entry.Recommendation()
		assert.Equal(t, "Wheat", rec.RecommendedCrops[0].Crop)
	})
}

func TestDashboard_Totals(t *testing.T) {
	d := Dashboard{Ledgers: []LedgerEntry{
		{Type: LedgerProfit, Amount: 1000},
		{Type: LedgerExpense, Amount: 250},
		{Type: LedgerExpense, Amount: 50},
	}}
	assert.Equal(t, Totals{Profit: 1000, Expense: 300, Net: 700}, d.Totals())
}
