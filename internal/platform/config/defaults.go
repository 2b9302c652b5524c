package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Auth: AuthConfig{
				Enabled:  false,
				Secret:   "lumatalk-dev-secret",
				TokenTTL: 24 * time.Hour,
			},
		},
		Log: LogConfig{
			Level: "INFO",
			Dir:   "data/logs",
			File:  "server.log",
		},
		Web: WebConfig{
			Enabled:      true,
			Port:         8080,
			StaticDir:    "./web",
			AllowOrigins: []string{"*"},
		},
		Transport: TransportConfig{
			WebSocket: WebSocketConfig{
				Enabled:          true,
				IP:               "0.0.0.0",
				Port:             8000,
				Path:             "/ws",
				HandshakeTimeout: 10 * time.Second,
				WriteTimeout:     5 * time.Second,
				PingInterval:     15 * time.Second,
				ControlQueue:     64,
				OrderedQueue:     1024,
				InboundQueue:     256,
				MaxMessageBytes:  1 << 20,
			},
		},
		Pipeline: PipelineConfig{
			InFlightLimit:        2,
			MaxPendingUtterances: 8,
			MaxBufferedAudio:     1 << 20,
			MaxPendingEvents:     4096,
			MaxChunkBytes:        16 << 10,
			ReconnectGrace:       30 * time.Second,
			MTMaxRetries:         3,
			MTBackoffInitial:     200 * time.Millisecond,
			MTBackoffMax:         2 * time.Second,
			MTTimeout:            8 * time.Second,
			ASRFinalTimeout:      10 * time.Second,
			TTSFirstChunkTimeout: 5 * time.Second,
			TTSIdleTimeout:       10 * time.Second,
			SampleRate:           16000,
			Channels:             1,
			DefaultVoice:         "default",
		},
		VAD: VADConfig{
			SpeechThreshold:  0.015,
			SilenceThreshold: 0.008,
			SpeechFrames:     3,
			TrailingSilence:  600 * time.Millisecond,
			MaxSegment:       30 * time.Second,
			PreRollFrames:    10,
		},
		Stages: StagesConfig{
			ASR: StageConfig{Type: "worker", URL: "ws://127.0.0.1:8001/ws/asr", Timeout: 10 * time.Second},
			MT:  StageConfig{Type: "worker", URL: "http://127.0.0.1:8002", Timeout: 8 * time.Second},
			TTS: StageConfig{Type: "worker", URL: "ws://127.0.0.1:8003/ws/tts", Timeout: 10 * time.Second, ChunkBytes: 8 << 10},
		},
		Pool: PoolConfig{
			ASR: 32,
			MT:  64,
			TTS: 32,
		},
		Store: StoreConfig{
			Driver:       "sqlite",
			SQLitePath:   "data/lumatalk.db",
			QueueWorkers: 2,
			MaxRetries:   3,
			Redis: RedisStoreConfig{
				Addr:   "127.0.0.1:6379",
				Prefix: "lumatalk:",
			},
		},
	}
}
