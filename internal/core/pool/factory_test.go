package pool

import (
	"testing"

	"lumatalk-server/internal/domain/asr"
	"lumatalk-server/internal/domain/mt"
	"lumatalk-server/internal/domain/tts"
	"lumatalk-server/internal/platform/config"
)

func TestBuildWorkerStages(t *testing.T) {
	cfg := config.DefaultConfig()
	stages, err := Build(cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := stages.Recognizer.(*asr.WorkerRecognizer); !ok {
		t.Fatalf("recognizer is %T", stages.Recognizer)
	}
	if _, ok := stages.Translator.(*mt.WorkerTranslator); !ok {
		t.Fatalf("translator is %T", stages.Translator)
	}
	if _, ok := stages.Synthesizer.(*tts.WorkerSynthesizer); !ok {
		t.Fatalf("synthesizer is %T", stages.Synthesizer)
	}
}

func TestBuildHostedStages(t *testing.T) {
	cfg := config.DefaultConfig()
	for _, st := range []*config.StageConfig{&cfg.Stages.ASR, &cfg.Stages.MT, &cfg.Stages.TTS} {
		st.Type = TypeOpenAI
		st.URL = ""
		st.APIKey = "sk-test"
	}
	stages, err := Build(cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := stages.Recognizer.(*asr.WhisperRecognizer); !ok {
		t.Fatalf("recognizer is %T", stages.Recognizer)
	}
	if _, ok := stages.Translator.(*mt.OpenAITranslator); !ok {
		t.Fatalf("translator is %T", stages.Translator)
	}
	if _, ok := stages.Synthesizer.(*tts.OpenAISynthesizer); !ok {
		t.Fatalf("synthesizer is %T", stages.Synthesizer)
	}
}

func TestBuildRejectsUnknownType(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Stages.MT.Type = "carrier-pigeon"
	if _, err := Build(cfg, nil); err == nil {
		t.Fatal("expected unsupported type error")
	}
}

func TestBuildEdgeSynthesizer(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Stages.TTS.Type = TypeEdge
	stages, err := Build(cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := stages.Synthesizer.(*tts.EdgeSynthesizer); !ok {
		t.Fatalf("synthesizer is %T", stages.Synthesizer)
	}

	cfg.Stages.ASR.Type = TypeEdge
	if _, err := Build(cfg, nil); err == nil {
		t.Fatal("edge is a synthesis-only provider")
	}
}
