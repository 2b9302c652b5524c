package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultConfigFile = ".config.yaml"

// Loader reads the yaml config file, layers environment overrides on top and
// validates the result.
type Loader struct {
	useDotEnv bool
	path      string
}

// NewLoader creates a loader that reads LUMATALK_CONFIG, or .config.yaml from
// the working directory.
func NewLoader() *Loader {
	path := defaultConfigFile
	if p := strings.TrimSpace(os.Getenv("LUMATALK_CONFIG")); p != "" {
		path = p
	}
	return &Loader{
		useDotEnv: true,
		path:      path,
	}
}

// WithDotEnv toggles loading variables from a .env file before reading config.
func (l *Loader) WithDotEnv(enabled bool) *Loader {
	l.useDotEnv = enabled
	return l
}

// WithPath overrides the config file location.
func (l *Loader) WithPath(path string) *Loader {
	if path != "" {
		l.path = path
	}
	return l
}

// Result captures the loaded configuration and its origin path.
type Result struct {
	Config *Config
	Path   string
}

// Load 加载配置：默认值 -> yaml 文件 -> 环境变量 -> 校验
func (l *Loader) Load() (*Result, error) {
	if l.useDotEnv {
		if err := godotenv.Load(); err != nil {
			fmt.Println("未找到 .env 文件，使用系统环境变量")
		}
	}

	cfg := DefaultConfig()
	path := "defaults"

	data, err := os.ReadFile(l.path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", l.path, err)
		}
		path = l.path
	case os.IsNotExist(err):
		fmt.Printf("配置文件 %s 不存在，使用默认配置\n", l.path)
	default:
		return nil, fmt.Errorf("read %s: %w", l.path, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := l.Validate(cfg); err != nil {
		return nil, err
	}

	return &Result{
		Config: cfg,
		Path:   path,
	}, nil
}

// Validate checks ranges that would otherwise fail late at runtime.
func (l *Loader) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	ws := cfg.Transport.WebSocket
	if ws.Enabled && (ws.Port <= 0 || ws.Port > 65535) {
		return fmt.Errorf("invalid websocket port: %d", ws.Port)
	}
	if cfg.Web.Enabled && (cfg.Web.Port <= 0 || cfg.Web.Port > 65535) {
		return fmt.Errorf("invalid web port: %d", cfg.Web.Port)
	}
	if ws.Enabled && cfg.Web.Enabled && ws.Port == cfg.Web.Port {
		return fmt.Errorf("websocket and web ports collide: %d", ws.Port)
	}

	p := cfg.Pipeline
	if p.InFlightLimit < 1 {
		return fmt.Errorf("pipeline.in_flight_limit must be >= 1, got %d", p.InFlightLimit)
	}
	if p.MTMaxRetries < 0 {
		return fmt.Errorf("pipeline.mt_max_retries must not be negative, got %d", p.MTMaxRetries)
	}
	if p.MaxChunkBytes <= 0 {
		return fmt.Errorf("pipeline.max_chunk_bytes must be positive")
	}
	if p.MaxPendingUtterances < 0 || p.MaxBufferedAudio < 0 || p.MaxPendingEvents <= 0 {
		return fmt.Errorf("pipeline buffer limits must not be negative")
	}
	if p.ReconnectGrace <= 0 {
		return fmt.Errorf("pipeline.reconnect_grace must be positive")
	}
	if p.MTBackoffMax < p.MTBackoffInitial {
		return fmt.Errorf("pipeline.mt_backoff_max %s below initial %s", p.MTBackoffMax, p.MTBackoffInitial)
	}

	if cfg.VAD.SilenceThreshold > cfg.VAD.SpeechThreshold {
		return fmt.Errorf("vad.silence_threshold must not exceed speech_threshold")
	}

	for name, st := range map[string]StageConfig{"asr": cfg.Stages.ASR, "mt": cfg.Stages.MT, "tts": cfg.Stages.TTS} {
		switch st.Type {
		case "worker":
			if st.URL == "" {
				return fmt.Errorf("stages.%s.url is required for worker stages", name)
			}
		case "openai":
		case "edge":
			if name != "tts" {
				return fmt.Errorf("stages.%s.type edge is only available for tts", name)
			}
		default:
			return fmt.Errorf("stages.%s.type %q not supported", name, st.Type)
		}
	}

	switch cfg.Store.Driver {
	case "", "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("store.driver %q not supported", cfg.Store.Driver)
	}

	if cfg.Server.Auth.Enabled && cfg.Server.Auth.Secret == "" {
		return fmt.Errorf("server.auth.secret is required when auth is enabled")
	}
	if c := cfg.Server.Auth.BcryptCost; c != 0 && (c < 4 || c > 31) {
		return fmt.Errorf("server.auth.bcrypt_cost must be between 4 and 31, got %d", c)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	setInt := func(key string, dst *int) error {
		v, ok := os.LookupEnv(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
		*dst = n
		return nil
	}

	setString("LUMATALK_LOG_LEVEL", &cfg.Log.Level)
	setString("LUMATALK_AUTH_SECRET", &cfg.Server.Auth.Secret)
	setString("LUMATALK_STORE_DRIVER", &cfg.Store.Driver)
	setString("LUMATALK_REDIS_ADDR", &cfg.Store.Redis.Addr)
	setString("LUMATALK_ASR_URL", &cfg.Stages.ASR.URL)
	setString("LUMATALK_MT_URL", &cfg.Stages.MT.URL)
	setString("LUMATALK_TTS_URL", &cfg.Stages.TTS.URL)
	if err := setInt("LUMATALK_WS_PORT", &cfg.Transport.WebSocket.Port); err != nil {
		return err
	}
	if err := setInt("LUMATALK_WEB_PORT", &cfg.Web.Port); err != nil {
		return err
	}
	if err := setInt("LUMATALK_IN_FLIGHT_LIMIT", &cfg.Pipeline.InFlightLimit); err != nil {
		return err
	}

	if key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); key != "" {
		for _, st := range []*StageConfig{&cfg.Stages.ASR, &cfg.Stages.MT, &cfg.Stages.TTS} {
			if st.APIKey == "" {
				st.APIKey = key
			}
		}
	}
	return nil
}
