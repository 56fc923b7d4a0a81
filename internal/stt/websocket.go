package stt

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketOptions configures a live streaming recognizer speaking the
// Deepgram listen protocol.
type WebSocketOptions struct {
	Endpoint string
	APIKey   string
	Model    string
	Language string
	Dialer   *websocket.Dialer
}

type webSocketRecognizer struct {
	opts WebSocketOptions
	log  *slog.Logger
}

type wsResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type wsControl struct {
	Type string `json:"type"`
}

func NewWebSocketRecognizer(opts WebSocketOptions, log *slog.Logger) Recognizer {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &webSocketRecognizer{opts: opts, log: log}
}

func (r *webSocketRecognizer) Available() bool {
	return r.opts.Endpoint != ""
}

func (r *webSocketRecognizer) Start(ctx context.Context, req Request) (Task, error) {
	endpoint, err := r.listenURL(req)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if r.opts.APIKey != "" {
		header.Set("Authorization", "Token "+r.opts.APIKey)
	}

	conn, _, err := r.opts.Dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("dial recognizer: %w", err)
	}
	r.log.Info("connected to streaming recognizer", slog.String("session_id", req.SessionID))

	taskCtx, cancel := context.WithCancel(ctx)
	t := &wsTask{
		ctx:    taskCtx,
		cancel: cancel,
		conn:   conn,
		audio:  make(chan []byte, 64),
		stream: newResultStream(),
		log:    r.log.With(slog.String("session_id", req.SessionID)),
	}
	t.wg.Add(2)
	go t.writeLoop()
	go t.readLoop()
	go func() {
		t.wg.Wait()
		_ = conn.Close()
		t.stream.close()
	}()
	return t, nil
}

func (r *webSocketRecognizer) listenURL(req Request) (string, error) {
	u, err := url.Parse(r.opts.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse recognizer endpoint: %w", err)
	}
	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(req.SampleRate))
	q.Set("channels", strconv.Itoa(req.Channels))
	q.Set("interim_results", strconv.FormatBool(req.Partial))
	q.Set("punctuate", "true")
	language := req.Language
	if language == "" {
		language = r.opts.Language
	}
	if language != "" {
		q.Set("language", language)
	}
	if r.opts.Model != "" {
		q.Set("model", r.opts.Model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type wsTask struct {
	ctx    context.Context
	cancel context.CancelFunc
	conn   *websocket.Conn
	audio  chan []byte
	stream *resultStream
	log    *slog.Logger
	wg     sync.WaitGroup

	mu    sync.Mutex
	ended bool

	// owned by readLoop
	segments []string
}

func (t *wsTask) Results() <-chan Result {
	return t.stream.results()
}

func (t *wsTask) Append(pcm []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended || t.ctx.Err() != nil {
		return
	}
	select {
	case t.audio <- append([]byte(nil), pcm...):
	default:
		t.log.Warn("recognizer send queue full, dropping audio", slog.Int("bytes", len(pcm)))
	}
}

func (t *wsTask) EndAudio() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return
	}
	t.ended = true
	close(t.audio)
}

func (t *wsTask) Cancel() {
	t.cancel()
	_ = t.conn.Close()
}

func (t *wsTask) writeLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case pcm, ok := <-t.audio:
			if !ok {
				if err := t.conn.WriteJSON(wsControl{Type: "CloseStream"}); err != nil {
					t.log.Warn("failed to close recognizer stream", slogError(err))
				}
				return
			}
			_ = t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := t.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
				t.fail(fmt.Errorf("send audio: %w", err))
				return
			}
		}
	}
}

func (t *wsTask) readLoop() {
	defer t.wg.Done()
	for {
		var msg wsResponse
		if err := t.conn.ReadJSON(&msg); err != nil {
			t.finish(err)
			return
		}
		if msg.Type != "" && msg.Type != "Results" {
			continue
		}
		if len(msg.Channel.Alternatives) == 0 {
			continue
		}
		alt := msg.Channel.Alternatives[0]
		text := strings.TrimSpace(alt.Transcript)
		hypothesis := t.hypothesis(text)
		if msg.IsFinal && text != "" {
			t.segments = append(t.segments, text)
		}
		if hypothesis == "" {
			continue
		}
		t.stream.send(Result{Text: hypothesis, Confidence: alt.Confidence})
	}
}

func (t *wsTask) hypothesis(pending string) string {
	parts := append([]string(nil), t.segments...)
	if pending != "" {
		parts = append(parts, pending)
	}
	return strings.Join(parts, " ")
}

// finish interprets the error that ended the read loop.
func (t *wsTask) finish(err error) {
	if t.ctx.Err() != nil {
		return
	}
	t.mu.Lock()
	ended := t.ended
	t.mu.Unlock()

	closed := websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
	)
	if ended && closed {
		t.stream.send(Result{Text: t.hypothesis(""), Final: true})
	} else {
		t.stream.send(Result{Err: fmt.Errorf("recognizer stream: %w", err)})
	}
	t.cancel()
}

func (t *wsTask) fail(err error) {
	if t.ctx.Err() != nil {
		return
	}
	t.log.Warn("recognizer stream failed", slogError(err))
	t.stream.send(Result{Err: err})
	t.cancel()
	_ = t.conn.Close()
}
