package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
)

type client struct {
	base string
	http *http.Client
}

type state struct {
	SessionID  string `json:"session_id"`
	Recording  bool   `json:"recording"`
	Transcript string `json:"transcript"`
	Duration   int    `json:"duration_seconds"`
	Saved      bool   `json:"saved"`
	Alert      struct {
		Visible bool   `json:"visible"`
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"alert"`
}

type record struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type worker struct {
	ID       string    `json:"id"`
	Mode     string    `json:"mode"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

type apiError struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func newClient(base string) *client {
	return &client{base: strings.TrimRight(base, "/"), http: &http.Client{}}
}

func (c *client) call(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr apiError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
			return fmt.Errorf("%s %s: %s", method, path, resp.Status)
		}
		if apiErr.Kind != "" {
			return fmt.Errorf("%s (%s)", apiErr.Error, apiErr.Kind)
		}
		return fmt.Errorf("%s", apiErr.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) printState(ctx context.Context, method, path string) error {
	var s state
	if err := c.call(ctx, method, path, nil, &s); err != nil {
		return err
	}
	fmt.Println(formatState(s))
	return nil
}

func (c *client) save(ctx context.Context, text *string) error {
	var body any
	if text != nil {
		body = map[string]string{"text": *text}
	}
	var rec record
	if err := c.call(ctx, "POST", "/v1/session/save", body, &rec); err != nil {
		return err
	}
	fmt.Printf("saved %d: %s\n", rec.ID, rec.Text)
	return nil
}

func (c *client) list(ctx context.Context, query string, w io.Writer) error {
	path := "/v1/transcripts"
	if query != "" {
		path += "?" + url.Values{"q": {query}}.Encode()
	}
	var records []record
	if err := c.call(ctx, "GET", path, nil, &records); err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "No transcripts found.")
		return nil
	}

	table := newTable(w, "ID", "Created At", "Text")
	for _, rec := range records {
		table.Append([]string{
			strconv.FormatInt(rec.ID, 10),
			rec.CreatedAt.Local().Format(time.DateTime),
			rec.Text,
		})
	}
	table.Render()
	return nil
}

func (c *client) delete(ctx context.Context, id int64) error {
	return c.call(ctx, "DELETE", fmt.Sprintf("/v1/transcripts/%d", id), nil, nil)
}

func (c *client) workers(ctx context.Context, w io.Writer) error {
	var workers []worker
	if err := c.call(ctx, "GET", "/v1/stt/workers", nil, &workers); err != nil {
		return err
	}
	if len(workers) == 0 {
		fmt.Fprintln(w, "No STT workers seen.")
		return nil
	}

	table := newTable(w, "Worker", "Mode", "Status", "Last Seen")
	for _, wk := range workers {
		status := "healthy"
		if !wk.Healthy {
			status = "stale"
		}
		table.Append([]string{wk.ID, wk.Mode, status, wk.LastSeen.Local().Format(time.DateTime)})
	}
	table.Render()
	return nil
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	return table
}

// watch prints every state from the NDJSON event stream until ctx ends.
func (c *client) watch(ctx context.Context, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.base+"/v1/session/events", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("watch: %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var s state
		if err := json.Unmarshal(scanner.Bytes(), &s); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		fmt.Fprintln(w, formatState(s))
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}

func formatState(s state) string {
	var b strings.Builder
	if s.Recording {
		fmt.Fprintf(&b, "recording %02d:%02d", s.Duration/60, s.Duration%60)
	} else {
		b.WriteString("idle")
	}
	if s.Saved {
		b.WriteString(" [saved]")
	}
	if s.Alert.Visible {
		fmt.Fprintf(&b, " [alert: %s]", s.Alert.Message)
	}
	if s.Transcript != "" {
		fmt.Fprintf(&b, " %q", s.Transcript)
	}
	return b.String()
}
