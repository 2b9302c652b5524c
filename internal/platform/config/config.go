package config

import (
	"time"
)

type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Web       WebConfig       `yaml:"web" mapstructure:"web"`
	Transport TransportConfig `yaml:"transport" mapstructure:"transport"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	VAD       VADConfig       `yaml:"vad" mapstructure:"vad"`
	Stages    StagesConfig    `yaml:"stages" mapstructure:"stages"`
	Pool      PoolConfig      `yaml:"pool" mapstructure:"pool"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
}

type ServerConfig struct {
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`
}

type AuthConfig struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
	Secret   string        `yaml:"secret" mapstructure:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl" mapstructure:"token_ttl"`
	// BcryptCost 为 0 时使用 bcrypt 默认值
	BcryptCost int `yaml:"bcrypt_cost" mapstructure:"bcrypt_cost"`
}

type LogConfig struct {
	Level string `yaml:"log_level" mapstructure:"log_level"`
	Dir   string `yaml:"log_dir" mapstructure:"log_dir"`
	File  string `yaml:"log_file" mapstructure:"log_file"`
}

type WebConfig struct {
	Enabled      bool     `yaml:"enabled" mapstructure:"enabled"`
	Port         int      `yaml:"port" mapstructure:"port"`
	StaticDir    string   `yaml:"static_dir" mapstructure:"static_dir"`
	AllowOrigins []string `yaml:"allow_origins" mapstructure:"allow_origins"`
}

// TransportConfig 传输层配置
type TransportConfig struct {
	WebSocket WebSocketConfig `yaml:"websocket" mapstructure:"websocket"`
}

type WebSocketConfig struct {
	Enabled          bool          `yaml:"enabled" mapstructure:"enabled"`
	IP               string        `yaml:"ip" mapstructure:"ip"`
	Port             int           `yaml:"port" mapstructure:"port"`
	Path             string        `yaml:"path" mapstructure:"path"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
	ControlQueue     int           `yaml:"control_queue" mapstructure:"control_queue"`
	OrderedQueue     int           `yaml:"ordered_queue" mapstructure:"ordered_queue"`
	InboundQueue     int           `yaml:"inbound_queue" mapstructure:"inbound_queue"`
	MaxMessageBytes  int64         `yaml:"max_message_bytes" mapstructure:"max_message_bytes"`
}

// PipelineConfig holds the per-session orchestration tunables.
type PipelineConfig struct {
	InFlightLimit        int           `yaml:"in_flight_limit" mapstructure:"in_flight_limit"`
	MaxPendingUtterances int           `yaml:"max_pending_utterances" mapstructure:"max_pending_utterances"`
	MaxBufferedAudio     int           `yaml:"max_buffered_audio" mapstructure:"max_buffered_audio"`
	MaxPendingEvents     int           `yaml:"max_pending_events" mapstructure:"max_pending_events"`
	MaxChunkBytes        int           `yaml:"max_chunk_bytes" mapstructure:"max_chunk_bytes"`
	ReconnectGrace       time.Duration `yaml:"reconnect_grace" mapstructure:"reconnect_grace"`
	MTMaxRetries         int           `yaml:"mt_max_retries" mapstructure:"mt_max_retries"`
	MTBackoffInitial     time.Duration `yaml:"mt_backoff_initial" mapstructure:"mt_backoff_initial"`
	MTBackoffMax         time.Duration `yaml:"mt_backoff_max" mapstructure:"mt_backoff_max"`
	MTTimeout            time.Duration `yaml:"mt_timeout" mapstructure:"mt_timeout"`
	ASRFinalTimeout      time.Duration `yaml:"asr_final_timeout" mapstructure:"asr_final_timeout"`
	TTSFirstChunkTimeout time.Duration `yaml:"tts_first_chunk_timeout" mapstructure:"tts_first_chunk_timeout"`
	TTSIdleTimeout       time.Duration `yaml:"tts_idle_timeout" mapstructure:"tts_idle_timeout"`
	SampleRate           int           `yaml:"sample_rate" mapstructure:"sample_rate"`
	Channels             int           `yaml:"channels" mapstructure:"channels"`
	DefaultVoice         string        `yaml:"default_voice" mapstructure:"default_voice"`
}

type VADConfig struct {
	SpeechThreshold  float64       `yaml:"speech_threshold" mapstructure:"speech_threshold"`
	SilenceThreshold float64       `yaml:"silence_threshold" mapstructure:"silence_threshold"`
	SpeechFrames     int           `yaml:"speech_frames" mapstructure:"speech_frames"`
	TrailingSilence  time.Duration `yaml:"trailing_silence" mapstructure:"trailing_silence"`
	MaxSegment       time.Duration `yaml:"max_segment" mapstructure:"max_segment"`
	PreRollFrames    int           `yaml:"pre_roll_frames" mapstructure:"pre_roll_frames"`
}

type StagesConfig struct {
	ASR StageConfig `yaml:"asr" mapstructure:"asr"`
	MT  StageConfig `yaml:"mt" mapstructure:"mt"`
	TTS StageConfig `yaml:"tts" mapstructure:"tts"`
}

// StageConfig selects and configures one stage adapter. Type is "worker" for
// the LumaTalk inference workers, "openai" for the hosted API or "edge"
// (tts only) for Edge read-aloud voices.
type StageConfig struct {
	Type       string        `yaml:"type" mapstructure:"type"`
	URL        string        `yaml:"url" mapstructure:"url"`
	APIKey     string        `yaml:"api_key" mapstructure:"api_key"`
	Model      string        `yaml:"model" mapstructure:"model"`
	Voice      string        `yaml:"voice" mapstructure:"voice"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
	ChunkBytes int           `yaml:"chunk_bytes" mapstructure:"chunk_bytes"`
}

// PoolConfig 每个阶段的进程级并发上限
type PoolConfig struct {
	ASR int `yaml:"asr" mapstructure:"asr"`
	MT  int `yaml:"mt" mapstructure:"mt"`
	TTS int `yaml:"tts" mapstructure:"tts"`
}

type StoreConfig struct {
	Driver       string           `yaml:"driver" mapstructure:"driver"`
	SQLitePath   string           `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	Redis        RedisStoreConfig `yaml:"redis" mapstructure:"redis"`
	QueueWorkers int              `yaml:"queue_workers" mapstructure:"queue_workers"`
	MaxRetries   int              `yaml:"max_retries" mapstructure:"max_retries"`
}

type RedisStoreConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Username string `yaml:"username,omitempty" mapstructure:"username"`
	Password string `yaml:"password,omitempty" mapstructure:"password"`
	DB       int    `yaml:"db,omitempty" mapstructure:"db"`
	Prefix   string `yaml:"prefix,omitempty" mapstructure:"prefix"`
}
