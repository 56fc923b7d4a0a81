package stt

import (
	"context"
	"fmt"
)

type mockTranscriber struct{}

func NewMockTranscriber() Transcriber {
	return &mockTranscriber{}
}

func (m *mockTranscriber) Transcribe(_ context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	mode := "partial"
	if final {
		mode = "final"
	}
	seconds := 0.0
	if bytesPerSecond := sampleRate * channels * 2; bytesPerSecond > 0 {
		seconds = float64(len(pcm)) / float64(bytesPerSecond)
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("[%s transcript length=%d seconds=%.1f]", mode, len(pcm), seconds),
		Confidence: 0,
	}, nil
}
