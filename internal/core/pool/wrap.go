package pool

import (
	"context"
	"sync"

	"lumatalk-server/internal/domain/pipeline"
)

// Wrap returns stages whose every call or stream holds a slot of p for its
// lifetime.
func (p *Pool) Wrap(stages pipeline.Stages) pipeline.Stages {
	return pipeline.Stages{
		Recognizer:  &pooledRecognizer{inner: stages.Recognizer, pool: p},
		Translator:  &pooledTranslator{inner: stages.Translator, pool: p},
		Synthesizer: &pooledSynthesizer{inner: stages.Synthesizer, pool: p},
	}
}

type pooledRecognizer struct {
	inner pipeline.Recognizer
	pool  *Pool
}

func (r *pooledRecognizer) Open(ctx context.Context, req pipeline.RecognitionRequest) (pipeline.RecognitionStream, error) {
	release, err := r.pool.Acquire(ctx, pipeline.StageASR)
	if err != nil {
		return nil, pipeline.Retryable(pipeline.StageASR, err)
	}
	stream, err := r.inner.Open(ctx, req)
	if err != nil {
		release()
		return nil, err
	}
	return &pooledRecognitionStream{RecognitionStream: stream, release: release}, nil
}

type pooledRecognitionStream struct {
	pipeline.RecognitionStream
	release func()
	once    sync.Once
}

func (s *pooledRecognitionStream) Close() error {
	err := s.RecognitionStream.Close()
	s.once.Do(s.release)
	return err
}

type pooledTranslator struct {
	inner pipeline.Translator
	pool  *Pool
}

func (t *pooledTranslator) Translate(ctx context.Context, req pipeline.TranslationRequest) (pipeline.TranslationResult, error) {
	release, err := t.pool.Acquire(ctx, pipeline.StageMT)
	if err != nil {
		return pipeline.TranslationResult{}, pipeline.Retryable(pipeline.StageMT, err)
	}
	defer release()
	return t.inner.Translate(ctx, req)
}

type pooledSynthesizer struct {
	inner pipeline.Synthesizer
	pool  *Pool
}

func (s *pooledSynthesizer) Synthesize(ctx context.Context, req pipeline.SynthesisRequest) (pipeline.SynthesisStream, error) {
	release, err := s.pool.Acquire(ctx, pipeline.StageTTS)
	if err != nil {
		return nil, pipeline.Retryable(pipeline.StageTTS, err)
	}
	stream, err := s.inner.Synthesize(ctx, req)
	if err != nil {
		release()
		return nil, err
	}
	return &pooledSynthesisStream{SynthesisStream: stream, release: release}, nil
}

type pooledSynthesisStream struct {
	pipeline.SynthesisStream
	release func()
	once    sync.Once
}

func (s *pooledSynthesisStream) Close() error {
	err := s.SynthesisStream.Close()
	s.once.Do(s.release)
	return err
}
