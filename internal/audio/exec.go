package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execSource struct {
	args []string
}

// NewExecSource captures from an external command that writes raw s16le PCM
// to stdout, e.g. "arecord -q -f S16_LE -r {rate} -c {channels} -t raw".
// {rate} and {channels} are substituted with the capture format.
func NewExecSource(command string) (Source, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse audio command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("audio command is empty")
	}
	return &execSource{args: args}, nil
}

func (s *execSource) Probe(context.Context) error {
	if _, err := exec.LookPath(s.args[0]); err != nil {
		return fmt.Errorf("capture command unavailable: %w", err)
	}
	return nil
}

func (s *execSource) Open(ctx context.Context, format Format) (io.ReadCloser, error) {
	args := make([]string, len(s.args))
	for i, a := range s.args {
		a = strings.ReplaceAll(a, "{rate}", strconv.Itoa(format.SampleRate))
		a = strings.ReplaceAll(a, "{channels}", strconv.Itoa(format.Channels))
		args[i] = a
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start capture command: %w", err)
	}
	return &commandStream{cmd: cmd, stdout: stdout}, nil
}

type commandStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	once   sync.Once
}

func (c *commandStream) Read(p []byte) (int, error) { return c.stdout.Read(p) }

func (c *commandStream) Close() error {
	c.once.Do(func() {
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		_ = c.cmd.Wait()
	})
	return nil
}
