package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestRecordMetricAccumulates(t *testing.T) {
	if _, err := Setup(context.Background(), Config{}, nil); err != nil {
		t.Fatalf("setup: %v", err)
	}

	RecordMetric(context.Background(), "session.utterance.delivered", 1, nil)
	RecordMetric(context.Background(), "session.utterance.delivered", 2, nil)

	if got := Snapshot()["session.utterance.delivered"]; got != 3 {
		t.Fatalf("expected counter 3, got %v", got)
	}
}

func TestSpanErrorsCountedAndLogged(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	shutdown, err := Setup(context.Background(), Config{Enabled: true}, logger)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer shutdown(context.Background())

	_, end := StartSpan(context.Background(), "stage.mt", "translate")
	end(errors.New("upstream 503"))

	if got := Snapshot()["stage.mt.translate.errors"]; got != 1 {
		t.Fatalf("expected one span error, got %v", got)
	}
	if !strings.Contains(buf.String(), "upstream 503") {
		t.Fatalf("span end not logged: %s", buf.String())
	}
}
