package vad

import (
	"encoding/binary"
	"math"
	"sync/atomic"
	"time"

	"lumatalk-server/internal/domain/pipeline"
	"lumatalk-server/internal/platform/logging"
)

// Decision is the gate's classification of one frame.
type Decision int

const (
	Silence Decision = iota
	Speech
	SegmentEnd
)

func (d Decision) String() string {
	switch d {
	case Speech:
		return "speech"
	case SegmentEnd:
		return "segment_end"
	default:
		return "silence"
	}
}

// Config 门限参数，阈值为归一化 RMS (0..1)
type Config struct {
	SpeechThreshold  float64
	SilenceThreshold float64
	SpeechFrames     int
	TrailingSilence  time.Duration
	MaxSegment       time.Duration
	SampleRate       int
	Channels         int
}

// DefaultConfig suits 16kHz mono 20ms frames.
func DefaultConfig() Config {
	return Config{
		SpeechThreshold:  0.015,
		SilenceThreshold: 0.008,
		SpeechFrames:     3,
		TrailingSilence:  600 * time.Millisecond,
		MaxSegment:       30 * time.Second,
		SampleRate:       16000,
		Channels:         1,
	}
}

// Gate is an RMS energy detector with hysteresis over 16-bit little-endian
// PCM. It is not safe for concurrent use except for Anomalies.
type Gate struct {
	cfg    Config
	logger *logging.Logger

	inSpeech    bool
	speechCount int
	silence     time.Duration
	segment     time.Duration

	anomalies atomic.Uint64
}

func NewGate(cfg Config, logger *logging.Logger) *Gate {
	def := DefaultConfig()
	if cfg.SpeechThreshold <= 0 {
		cfg.SpeechThreshold = def.SpeechThreshold
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = def.SilenceThreshold
	}
	if cfg.SpeechFrames <= 0 {
		cfg.SpeechFrames = def.SpeechFrames
	}
	if cfg.TrailingSilence <= 0 {
		cfg.TrailingSilence = def.TrailingSilence
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = def.Channels
	}
	return &Gate{cfg: cfg, logger: logger}
}

// Process classifies one frame. Onset needs SpeechFrames consecutive frames
// at or above SpeechThreshold; the frames before onset report Silence. Inside
// a segment only frames below SilenceThreshold accumulate toward
// TrailingSilence, and reaching it (or MaxSegment) yields SegmentEnd. A frame
// that cannot be measured counts as speech in every state.
func (g *Gate) Process(frame []byte, ts time.Duration) Decision {
	level, ok := g.level(frame)
	if !ok {
		g.anomalies.Add(1)
		g.logger.WarnTag("VAD", "malformed frame", map[string]any{
			"kind":  string(pipeline.KindVADAnomaly),
			"bytes": len(frame),
			"ts":    ts.String(),
		})
		// 无法判定的帧一律按语音处理，空闲时直接开段
		if !g.inSpeech {
			g.open()
		}
		level = g.cfg.SpeechThreshold
	}

	if !g.inSpeech {
		if level < g.cfg.SpeechThreshold {
			g.speechCount = 0
			return Silence
		}
		g.speechCount++
		if g.speechCount < g.cfg.SpeechFrames {
			return Silence
		}
		g.open()
	}

	dur := g.duration(frame)
	g.segment += dur
	if level < g.cfg.SilenceThreshold {
		g.silence += dur
	} else {
		g.silence = 0
	}

	if g.silence >= g.cfg.TrailingSilence {
		g.Reset()
		return SegmentEnd
	}
	if g.cfg.MaxSegment > 0 && g.segment >= g.cfg.MaxSegment {
		g.logger.DebugTag("VAD", "segment hit max length %s", g.cfg.MaxSegment)
		g.Reset()
		return SegmentEnd
	}
	return Speech
}

func (g *Gate) open() {
	g.inSpeech = true
	g.speechCount = 0
	g.silence = 0
	g.segment = 0
}

// InSegment reports whether a segment is open.
func (g *Gate) InSegment() bool {
	return g.inSpeech
}

// Reset clears detection state. The anomaly counter is kept.
func (g *Gate) Reset() {
	g.inSpeech = false
	g.speechCount = 0
	g.silence = 0
	g.segment = 0
}

// Anomalies returns how many malformed frames were seen.
func (g *Gate) Anomalies() uint64 {
	return g.anomalies.Load()
}

func (g *Gate) level(frame []byte) (float64, bool) {
	if len(frame) == 0 || len(frame)%2 != 0 {
		return 0, false
	}
	var sum float64
	n := len(frame) / 2
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(frame[i*2:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n)), true
}

func (g *Gate) duration(frame []byte) time.Duration {
	samples := len(frame) / 2 / g.cfg.Channels
	return time.Duration(samples) * time.Second / time.Duration(g.cfg.SampleRate)
}
