package session

import (
	"errors"
	"fmt"
)

// Kind classifies errors surfaced through the session alert.
type Kind string

const (
	KindNilRecognizer            Kind = "nilRecognizer"
	KindNotAuthorizedToRecognize Kind = "notAuthorizedToRecognize"
	KindNotPermittedToRecord     Kind = "notPermittedToRecord"
	KindRecognizerUnavailable    Kind = "recognizerIsUnavailable"
	KindRecognitionTask          Kind = "recognitionTaskError"
	KindSaveFailed               Kind = "saveFailed"
	KindEmptyTranscript          Kind = "emptyTranscript"
)

// ErrClosed is returned by every Recorder method after Close.
var ErrClosed = errors.New("recorder closed")

// Error is a classified session failure. Err holds the underlying cause for
// recognition and save failures.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Message()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Message is the human-readable text shown in the alert.
func (e *Error) Message() string {
	switch e.Kind {
	case KindNilRecognizer:
		return "Can't initialize speech recognizer"
	case KindNotAuthorizedToRecognize:
		return "Not authorized to recognize speech"
	case KindNotPermittedToRecord:
		return "Not permitted to record audio"
	case KindRecognizerUnavailable:
		return "Recognizer is unavailable"
	case KindRecognitionTask:
		if e.Err != nil {
			return e.Err.Error()
		}
		return "Recognition failed"
	case KindSaveFailed:
		if e.Err != nil {
			return fmt.Sprintf("Failed to save transcript: %v", e.Err)
		}
		return "Failed to save transcript"
	case KindEmptyTranscript:
		return "Transcript is empty"
	default:
		if e.Err != nil {
			return e.Err.Error()
		}
		return string(e.Kind)
	}
}

// KindOf returns the Kind of err, or "" when err is not a session error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
