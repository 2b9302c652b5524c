package tts

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
	goopenai "github.com/sashabaranov/go-openai"

	"lumatalk-server/internal/core/providers/openai"
	"lumatalk-server/internal/domain/pipeline"
	"lumatalk-server/internal/platform/logging"
)

// SpeechCreator is the slice of the go-openai client the hosted synthesizer uses.
type SpeechCreator interface {
	CreateSpeech(ctx context.Context, req goopenai.CreateSpeechRequest) (goopenai.RawResponse, error)
}

type OpenAIConfig struct {
	Model      string
	Voice      string
	ChunkBytes int
	// Channels of the PCM handed to clients. The decoder produces stereo.
	Channels int
}

// decodeFunc turns an encoded speech body into 16-bit little-endian stereo PCM.
type decodeFunc func(r io.Reader) (io.Reader, error)

func decodeMP3(r io.Reader) (io.Reader, error) {
	d, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// OpenAISynthesizer requests mp3 speech and re-chunks the decoded PCM.
type OpenAISynthesizer struct {
	client SpeechCreator
	cfg    OpenAIConfig
	decode decodeFunc
	logger *logging.Logger
}

func NewOpenAISynthesizer(client SpeechCreator, cfg OpenAIConfig, logger *logging.Logger) *OpenAISynthesizer {
	if cfg.Model == "" {
		cfg.Model = string(goopenai.TTSModel1)
	}
	if cfg.Voice == "" {
		cfg.Voice = string(goopenai.VoiceAlloy)
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = defaultChunkBytes
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	return &OpenAISynthesizer{client: client, cfg: cfg, decode: decodeMP3, logger: logger}
}

// NewHostedSynthesizer wires an OpenAISynthesizer to the hosted API.
func NewHostedSynthesizer(conn openai.Config, cfg OpenAIConfig, logger *logging.Logger) *OpenAISynthesizer {
	return NewOpenAISynthesizer(openai.NewClient(conn), cfg, logger)
}

func (s *OpenAISynthesizer) Synthesize(ctx context.Context, req pipeline.SynthesisRequest) (pipeline.SynthesisStream, error) {
	voice := s.cfg.Voice
	if req.Voice != "" && req.Voice != "default" {
		voice = req.Voice
	}
	sctx, cancel := context.WithCancel(ctx)
	st := &speechStream{
		cancel: cancel,
		chunks: make(chan []byte, 8),
		errc:   make(chan error, 1),
	}
	go s.run(sctx, st, goopenai.CreateSpeechRequest{
		Model:          goopenai.SpeechModel(s.cfg.Model),
		Input:          req.Text,
		Voice:          goopenai.SpeechVoice(voice),
		ResponseFormat: goopenai.SpeechResponseFormatMp3,
	}, req.UtteranceID)
	return st, nil
}

func (s *OpenAISynthesizer) run(ctx context.Context, st *speechStream, req goopenai.CreateSpeechRequest, utteranceID uint64) {
	defer close(st.chunks)

	resp, err := s.client.CreateSpeech(ctx, req)
	if err != nil {
		st.errc <- openai.Classify(pipeline.StageTTS, err)
		return
	}
	defer resp.Close()

	pcm, err := s.decode(resp)
	if err != nil {
		st.errc <- pipeline.Permanent(pipeline.StageTTS, fmt.Errorf("decode speech: %w", err))
		return
	}

	total, err := streamPCM(ctx, st, pcm, s.cfg.ChunkBytes, s.cfg.Channels)
	if err != nil {
		st.errc <- pipeline.Retryable(pipeline.StageTTS, fmt.Errorf("read speech: %w", err))
		return
	}
	s.logger.DebugTag("TTS", "hosted synthesis done utterance=%d bytes=%d", utteranceID, total)
}

// streamPCM re-chunks decoded stereo PCM onto st. It returns nil at the end of
// the audio and also when ctx is cancelled, since nobody reads the error then.
func streamPCM(ctx context.Context, st *speechStream, pcm io.Reader, chunkBytes, channels int) (int, error) {
	buf := make([]byte, chunkBytes*2)
	total := 0
	for {
		n, err := io.ReadFull(pcm, buf)
		if n > 0 {
			out := buf[:n]
			if channels == 1 {
				out = downmix(out)
			} else {
				out = append([]byte(nil), out...)
			}
			total += len(out)
			select {
			case st.chunks <- out:
			case <-ctx.Done():
				return total, nil
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return total, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return total, nil
			}
			return total, err
		}
	}
}

// downmix averages interleaved 16-bit stereo frames into mono. A trailing
// partial frame is dropped.
func downmix(stereo []byte) []byte {
	frames := len(stereo) / 4
	mono := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		l := int32(int16(binary.LittleEndian.Uint16(stereo[i*4:])))
		r := int32(int16(binary.LittleEndian.Uint16(stereo[i*4+2:])))
		binary.LittleEndian.PutUint16(mono[i*2:], uint16(int16((l+r)/2)))
	}
	return mono
}

type speechStream struct {
	cancel context.CancelFunc
	chunks chan []byte
	errc   chan error
}

func (s *speechStream) Recv() ([]byte, error) {
	if chunk, ok := <-s.chunks; ok {
		return chunk, nil
	}
	select {
	case err := <-s.errc:
		return nil, err
	default:
		return nil, io.EOF
	}
}

func (s *speechStream) Close() error {
	s.cancel()
	return nil
}
