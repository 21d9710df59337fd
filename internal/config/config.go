package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/text/language"
)

// Supported UI and assistant languages
const (
	LanguageEnglish = "en"
	LanguageHindi   = "hi"
	LanguageTelugu  = "te"
	LanguageTamil   = "ta"
	LanguageKannada = "kn"
)

// Languages lists the supported languages in menu order
var Languages = []string{LanguageEnglish, LanguageHindi, LanguageTelugu, LanguageTamil, LanguageKannada}

// EnvPrefix prefixes every environment override, e.g. KISAN_API_BASE_URL
const EnvPrefix = "KISAN"

// Config holds application configuration
type Config struct {
	API      APIConfig
	App      AppConfig
	Location LocationConfig
	Voice    VoiceConfig
	Log      LogConfig
	Debug    bool
}

type APIConfig struct {
	BaseURL string
	Timeout time.Duration
}

type AppConfig struct {
	Language    string
	DataDir     string
	SplashDelay time.Duration
}

// LocationConfig describes the position provider. On a host without GPS the
// position comes from Lat/Lon when Enabled.
type LocationConfig struct {
	Enabled bool
	Lat     float64
	Lon     float64
	Timeout time.Duration
}

type VoiceConfig struct {
	Microphone bool   // grant microphone permission
	InputFile  string // audio file used as the recording
	OutputDir  string // where reply audio is saved
}

type LogConfig struct {
	Dir   string
	Level string
}

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:5000")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("app.language", LanguageEnglish)
	v.SetDefault("app.data_dir", ".")
	v.SetDefault("app.splash_delay", 2*time.Second)
	v.SetDefault("location.enabled", false)
	v.SetDefault("location.lat", 0.0)
	v.SetDefault("location.lon", 0.0)
	v.SetDefault("location.timeout", 10*time.Second)
	v.SetDefault("voice.microphone", false)
	v.SetDefault("voice.input_file", "")
	v.SetDefault("voice.output_dir", "audio")
	v.SetDefault("log.dir", "logs")
	v.SetDefault("log.level", "info")
	v.SetDefault("debug", false)
}

// New returns a viper instance with defaults, environment overrides and an
// optional kisan.yaml in the working directory.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigName("kisan")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file, if any, and decodes v into a validated Config
func Load(v *viper.Viper) (Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := Config{
		API: APIConfig{
			BaseURL: v.GetString("api.base_url"),
			Timeout: v.GetDuration("api.timeout"),
		},
		App: AppConfig{
			Language:    v.GetString("app.language"),
			DataDir:     v.GetString("app.data_dir"),
			SplashDelay: v.GetDuration("app.splash_delay"),
		},
		Location: LocationConfig{
			Enabled: v.GetBool("location.enabled"),
			Lat:     v.GetFloat64("location.lat"),
			Lon:     v.GetFloat64("location.lon"),
			Timeout: v.GetDuration("location.timeout"),
		},
		Voice: VoiceConfig{
			Microphone: v.GetBool("voice.microphone"),
			InputFile:  v.GetString("voice.input_file"),
			OutputDir:  v.GetString("voice.output_dir"),
		},
		Log: LogConfig{
			Dir:   v.GetString("log.dir"),
			Level: v.GetString("log.level"),
		},
		Debug: v.GetBool("debug"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late
func (c Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid api.base_url %q", c.API.BaseURL)
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive")
	}
	if c.App.SplashDelay < 0 {
		return fmt.Errorf("app.splash_delay cannot be negative")
	}
	if c.Location.Timeout <= 0 {
		return fmt.Errorf("location.timeout must be positive")
	}
	if _, err := ParseLanguage(c.App.Language); err != nil {
		return err
	}
	return nil
}

// ParseLanguage validates a language code and returns its canonical base form
func ParseLanguage(code string) (string, error) {
	tag, err := language.Parse(strings.TrimSpace(code))
	if err != nil {
		return "", fmt.Errorf("invalid language %q: %w", code, err)
	}
	base, _ := tag.Base()
	for _, l := range Languages {
		if base.String() == l {
			return l, nil
		}
	}
	return "", fmt.Errorf("unsupported language %q", code)
}
