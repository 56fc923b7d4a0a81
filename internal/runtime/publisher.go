package runtime

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
)

// publishStates mirrors every recorder state onto the bus until ctx ends.
func publishStates(ctx context.Context, recorder *session.Recorder, client *bus.Client, log *slog.Logger) {
	states, cancel := recorder.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-states:
			if !ok {
				return
			}
			if err := client.PublishJSON(protocol.SubjectSessionState, stateMessage(s)); err != nil {
				log.Warn("failed to publish session state", slog.String("error", err.Error()))
			}
		}
	}
}

func stateMessage(s session.State) protocol.SessionState {
	return protocol.SessionState{
		SessionID:       s.SessionID,
		Recording:       s.Recording,
		Transcript:      s.Transcript,
		DurationSeconds: s.Duration,
		Saved:           s.Saved,
		AlertVisible:    s.Alert.Visible,
		AlertKind:       string(s.Alert.Kind),
		AlertMessage:    s.Alert.Message,
		Timestamp:       s.Updated.UTC(),
	}
}
