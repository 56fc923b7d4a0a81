package protocol

import "time"

// AudioFrame carries captured PCM for one recording session. Final asks for
// the closing transcript; Abort discards the session without one.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
	Abort      bool   `json:"abort,omitempty"`
}

// Transcript represents STT output broadcast on the bus. A non-empty Error
// ends the session with a failure instead of a result.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// SessionState is a snapshot of the recording session published for observers.
type SessionState struct {
	SessionID       string    `json:"session_id,omitempty"`
	Recording       bool      `json:"recording"`
	Transcript      string    `json:"transcript"`
	DurationSeconds int       `json:"duration_seconds"`
	Saved           bool      `json:"saved"`
	AlertVisible    bool      `json:"alert_visible"`
	AlertKind       string    `json:"alert_kind,omitempty"`
	AlertMessage    string    `json:"alert_message,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// TranscriptSaved announces a newly persisted record.
type TranscriptSaved struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// WorkerPresence is announced by STT workers on start, repeated as a
// heartbeat, and sent once more with Leaving set on shutdown.
type WorkerPresence struct {
	WorkerID  string    `json:"worker_id"`
	Mode      string    `json:"mode,omitempty"`
	Leaving   bool      `json:"leaving,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix      = "audio.frame"
	SubjectTranscriptPartial     = "stt.text.partial"
	SubjectTranscriptFinal       = "stt.text.final"
	SubjectSessionState          = "scribe.session.state"
	SubjectTranscriptSaved       = "scribe.transcript.saved"
	SubjectWorkerAnnounce        = "stt.worker.announce"
	SubjectWorkerHeartbeatPrefix = "stt.worker.heartbeat"
)

// AudioFrameSubject returns the subject frames for sessionID are published on.
func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}

// WorkerHeartbeatSubject returns the heartbeat subject for workerID.
func WorkerHeartbeatSubject(workerID string) string {
	return SubjectWorkerHeartbeatPrefix + "." + workerID
}
