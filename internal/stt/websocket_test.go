package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

type fakeListenServer struct {
	query  chan map[string]string
	auth   chan string
	frames chan int
}

func (f *fakeListenServer) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f.query <- map[string]string{
			"encoding":    q.Get("encoding"),
			"sample_rate": q.Get("sample_rate"),
			"language":    q.Get("language"),
			"model":       q.Get("model"),
		}
		f.auth <- r.Header.Get("Authorization")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		frames := 0
		words := []string{"hello", "world"}
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.TextMessage && strings.Contains(string(data), "CloseStream") {
				_ = conn.WriteJSON(map[string]any{"type": "Metadata"})
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				f.frames <- frames
				return
			}
			word := words[frames%len(words)]
			frames++
			// interim hypothesis, then the same segment finalized
			_ = conn.WriteJSON(wsTestResult(word, false))
			_ = conn.WriteJSON(wsTestResult(word, true))
		}
	}
}

func wsTestResult(text string, final bool) map[string]any {
	return map[string]any{
		"type":     "Results",
		"is_final": final,
		"channel": map[string]any{
			"alternatives": []map[string]any{{"transcript": text, "confidence": 0.9}},
		},
	}
}

func TestWebSocketRecognizerStreamsAndFinalizes(t *testing.T) {
	fake := &fakeListenServer{
		query:  make(chan map[string]string, 1),
		auth:   make(chan string, 1),
		frames: make(chan int, 1),
	}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/listen"
	rec := NewWebSocketRecognizer(WebSocketOptions{
		Endpoint: endpoint,
		APIKey:   "secret",
		Model:    "nova-2",
		Language: "en-US",
	}, newLogger())
	if !rec.Available() {
		t.Fatal("recognizer with endpoint should be available")
	}

	task, err := rec.Start(context.Background(), Request{SessionID: "s1", SampleRate: 16000, Channels: 1, Partial: true})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	task.Append(make([]byte, 640))
	task.Append(make([]byte, 640))
	task.EndAudio()

	results := collect(t, task)
	if len(results) == 0 {
		t.Fatal("expected results")
	}
	last := results[len(results)-1]
	if !last.Final || last.Err != nil {
		t.Fatalf("expected final result, got %+v", last)
	}
	if last.Text != "hello world" {
		t.Fatalf("expected concatenated segments, got %q", last.Text)
	}
	for _, r := range results[:len(results)-1] {
		if r.Final {
			t.Fatalf("only the last result may be final: %+v", results)
		}
	}

	if got := <-fake.frames; got != 2 {
		t.Fatalf("server saw %d audio frames, want 2", got)
	}
	q := <-fake.query
	if q["encoding"] != "linear16" || q["sample_rate"] != "16000" || q["language"] != "en-US" || q["model"] != "nova-2" {
		t.Fatalf("unexpected query: %+v", q)
	}
	if auth := <-fake.auth; auth != "Token secret" {
		t.Fatalf("unexpected authorization header %q", auth)
	}
}

func TestWebSocketRecognizerUnavailableWithoutEndpoint(t *testing.T) {
	if NewWebSocketRecognizer(WebSocketOptions{}, newLogger()).Available() {
		t.Fatal("expected unavailable recognizer")
	}
}

func TestWebSocketRecognizerDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	rec := NewWebSocketRecognizer(WebSocketOptions{Endpoint: endpoint}, newLogger())
	if _, err := rec.Start(context.Background(), Request{SessionID: "s1", SampleRate: 16000, Channels: 1}); err == nil {
		t.Fatal("expected dial failure")
	}
}
