package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the wire-level error classification sent to clients.
type ErrorKind string

const (
	KindVADAnomaly        ErrorKind = "vad_anomaly"
	KindStageTimeout      ErrorKind = "stage_timeout"
	KindStageOverloaded   ErrorKind = "stage_overloaded"
	KindRecognitionFailed ErrorKind = "recognition_failed"
	KindTranslationFailed ErrorKind = "translation_failed"
	KindSynthesisFailed   ErrorKind = "synthesis_failed"
	KindNoSpeech          ErrorKind = "no_speech"
	KindCancelled         ErrorKind = "cancelled"
	KindTransportLost     ErrorKind = "transport_lost"
	KindSessionExpired    ErrorKind = "session_expired"
)

// FailureKind maps a stage to the kind reported when it fails for good.
func FailureKind(stage Stage) ErrorKind {
	switch stage {
	case StageASR:
		return KindRecognitionFailed
	case StageMT:
		return KindTranslationFailed
	case StageTTS:
		return KindSynthesisFailed
	default:
		return KindVADAnomaly
	}
}

// StageError is the failure type every stage adapter returns.
type StageError struct {
	Stage     Stage
	Retryable bool
	Err       error
}

func (e *StageError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("%s stage (retryable): %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func Retryable(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Retryable: true, Err: err}
}

func Permanent(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Retryable: false, Err: err}
}

// IsRetryable reports whether err may succeed on another attempt. Untyped
// errors and deadline expiry count as retryable; cancellation does not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return true
}
