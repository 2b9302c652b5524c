package pipeline

import (
	"context"
)

// Recognizer opens one recognition stream per utterance.
type Recognizer interface {
	Open(ctx context.Context, req RecognitionRequest) (RecognitionStream, error)
}

// RecognitionStream carries audio up and transcript events down. Recv yields
// any number of partials, exactly one final and then io.EOF. Close cancels the
// stream and is safe to call more than once.
type RecognitionStream interface {
	SendAudio(ctx context.Context, pcm []byte) error
	CloseSend() error
	Recv() (TranscriptEvent, error)
	Close() error
}

// Translator translates one final transcript. Failures are *StageError.
type Translator interface {
	Translate(ctx context.Context, req TranslationRequest) (TranslationResult, error)
}

// Synthesizer streams audio for a translated text.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (SynthesisStream, error)
}

// SynthesisStream yields audio chunks; io.EOF marks completion.
type SynthesisStream interface {
	Recv() ([]byte, error)
	Close() error
}

// Stages bundles the three stage implementations a session runs against.
type Stages struct {
	Recognizer  Recognizer
	Translator  Translator
	Synthesizer Synthesizer
}
