package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:5000", cfg.API.BaseURL)
	assert.Equal(t, 2*time.Second, cfg.App.SplashDelay)
	assert.Equal(t, LanguageEnglish, cfg.App.Language)
	assert.False(t, cfg.Location.Enabled)
	assert.Equal(t, "logs", cfg.Log.Dir)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "kisan.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
api:
  base_url: http://10.0.2.2:5000
app:
  language: te
location:
  enabled: true
  lat: 17.385
  lon: 78.4867
`), 0644))

	t.Setenv("KISAN_APP_SPLASH_DELAY", "500ms")

	v := New()
	v.SetConfigFile(file)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.2.2:5000", cfg.API.BaseURL)
	assert.Equal(t, LanguageTelugu, cfg.App.Language)
	assert.True(t, cfg.Location.Enabled)
	assert.Equal(t, 17.385, cfg.Location.Lat)
	assert.Equal(t, 500*time.Millisecond, cfg.App.SplashDelay)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("api.base_url", "localhost")
	_, err := Load(v)
	assert.Error(t, err)

	v = viper.New()
	SetDefaults(v)
	v.Set("app.language", "fr")
	_, err = Load(v)
	assert.Error(t, err)
}

func TestParseLanguage(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"en", "en", false},
		{"hi-IN", "hi", false},
		{" kn ", "kn", false},
		{"ta", "ta", false},
		{"fr", "", true},
		{"not a tag!", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLanguage(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
