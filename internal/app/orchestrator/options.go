package orchestrator

import (
	"time"

	"lumatalk-server/internal/domain/vad"
	"lumatalk-server/internal/platform/config"
)

// Options are the per-session tunables.
type Options struct {
	InFlightLimit        int
	MaxPendingUtterances int
	MaxBufferedAudio     int
	MaxPendingEvents     int
	MaxChunkBytes        int
	ReconnectGrace       time.Duration

	MTMaxRetries     int
	MTBackoffInitial time.Duration
	MTBackoffMax     time.Duration
	MTTimeout        time.Duration

	ASRFinalTimeout      time.Duration
	TTSFirstChunkTimeout time.Duration
	TTSIdleTimeout       time.Duration

	SampleRate    int
	Channels      int
	DefaultVoice  string
	PreRollFrames int
	VAD           vad.Config
}

// OptionsFromConfig 从配置构建会话参数
func OptionsFromConfig(cfg *config.Config) Options {
	p := cfg.Pipeline
	return Options{
		InFlightLimit:        p.InFlightLimit,
		MaxPendingUtterances: p.MaxPendingUtterances,
		MaxBufferedAudio:     p.MaxBufferedAudio,
		MaxPendingEvents:     p.MaxPendingEvents,
		MaxChunkBytes:        p.MaxChunkBytes,
		ReconnectGrace:       p.ReconnectGrace,
		MTMaxRetries:         p.MTMaxRetries,
		MTBackoffInitial:     p.MTBackoffInitial,
		MTBackoffMax:         p.MTBackoffMax,
		MTTimeout:            p.MTTimeout,
		ASRFinalTimeout:      p.ASRFinalTimeout,
		TTSFirstChunkTimeout: p.TTSFirstChunkTimeout,
		TTSIdleTimeout:       p.TTSIdleTimeout,
		SampleRate:           p.SampleRate,
		Channels:             p.Channels,
		DefaultVoice:         p.DefaultVoice,
		PreRollFrames:        cfg.VAD.PreRollFrames,
		VAD: vad.Config{
			SpeechThreshold:  cfg.VAD.SpeechThreshold,
			SilenceThreshold: cfg.VAD.SilenceThreshold,
			SpeechFrames:     cfg.VAD.SpeechFrames,
			TrailingSilence:  cfg.VAD.TrailingSilence,
			MaxSegment:       cfg.VAD.MaxSegment,
			SampleRate:       p.SampleRate,
			Channels:         p.Channels,
		},
	}
}

func (o Options) withDefaults() Options {
	if o.InFlightLimit <= 0 {
		o.InFlightLimit = 2
	}
	if o.MaxPendingUtterances <= 0 {
		o.MaxPendingUtterances = 8
	}
	if o.MaxBufferedAudio <= 0 {
		o.MaxBufferedAudio = 1 << 20
	}
	if o.MaxPendingEvents <= 0 {
		o.MaxPendingEvents = 4096
	}
	if o.MaxChunkBytes <= 0 {
		o.MaxChunkBytes = 16 << 10
	}
	if o.ReconnectGrace <= 0 {
		o.ReconnectGrace = 30 * time.Second
	}
	if o.MTMaxRetries < 0 {
		o.MTMaxRetries = 0
	}
	if o.MTBackoffInitial <= 0 {
		o.MTBackoffInitial = 200 * time.Millisecond
	}
	if o.MTBackoffMax < o.MTBackoffInitial {
		o.MTBackoffMax = o.MTBackoffInitial
	}
	if o.MTTimeout <= 0 {
		o.MTTimeout = 8 * time.Second
	}
	if o.ASRFinalTimeout <= 0 {
		o.ASRFinalTimeout = 10 * time.Second
	}
	if o.TTSFirstChunkTimeout <= 0 {
		o.TTSFirstChunkTimeout = 5 * time.Second
	}
	if o.TTSIdleTimeout <= 0 {
		o.TTSIdleTimeout = 10 * time.Second
	}
	if o.SampleRate <= 0 {
		o.SampleRate = 16000
	}
	if o.Channels <= 0 {
		o.Channels = 1
	}
	if o.PreRollFrames < 0 {
		o.PreRollFrames = 0
	}
	if o.VAD.SampleRate <= 0 {
		o.VAD.SampleRate = o.SampleRate
	}
	if o.VAD.Channels <= 0 {
		o.VAD.Channels = o.Channels
	}
	return o
}

// mtBackoff is the delay after the given failed attempt (1-based).
func (o Options) mtBackoff(attempt int) time.Duration {
	d := o.MTBackoffInitial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= o.MTBackoffMax {
			return o.MTBackoffMax
		}
	}
	return d
}
