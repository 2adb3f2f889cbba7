package stt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// ExecEngine runs a local recognizer process. Audio is written to its
// stdin as 16-bit little-endian PCM; every stdout line is a JSON object
// with text and final fields.
type ExecEngine struct {
	args   []string
	logger *slog.Logger
}

type execResult struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

func NewExecEngine(command string, logger *slog.Logger) (*ExecEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(command) == "" {
		return &ExecEngine{logger: logger}, nil
	}
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse native command: %w", err)
	}
	return &ExecEngine{args: args, logger: logger}, nil
}

func (e *ExecEngine) Available() error {
	if len(e.args) == 0 {
		return fmt.Errorf("%w: native recognizer command not configured", ErrUnsupported)
	}
	if _, err := exec.LookPath(e.args[0]); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupported, err)
	}
	return nil
}

func (e *ExecEngine) Open(ctx context.Context, params NativeParams) (NativeSession, error) {
	if err := e.Available(); err != nil {
		return nil, err
	}
	args := append([]string{}, e.args[1:]...)
	if params.Language != "" {
		args = append(args, "--language", params.Language)
	}
	args = append(args, "--sample-rate", strconv.Itoa(params.SampleRate))

	cmd := exec.CommandContext(ctx, e.args[0], args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start native recognizer: %w", err)
	}

	s := &execSession{
		cmd:     cmd,
		stdin:   stdin,
		stderr:  &stderr,
		results: make(chan Segment, 16),
		done:    make(chan struct{}),
		logger:  e.logger,
	}
	go s.read(stdout)
	return s, nil
}

type execSession struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  *bytes.Buffer
	results chan Segment
	done    chan struct{}
	logger  *slog.Logger

	mu        sync.Mutex
	err       error
	inputDone bool
}

func (s *execSession) read(stdout io.Reader) {
	defer close(s.done)
	defer close(s.results)

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var res execResult
		if err := json.Unmarshal(line, &res); err != nil {
			s.logger.Warn("skipping malformed recognizer output", slogError(err))
			continue
		}
		s.results <- Segment{Text: res.Text, Final: res.Final}
	}
	waitErr := s.cmd.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case scanner.Err() != nil:
		s.err = fmt.Errorf("read recognizer output: %w", scanner.Err())
	case waitErr != nil:
		s.err = fmt.Errorf("native recognizer failed: %w: %s", waitErr, strings.TrimSpace(s.stderr.String()))
	}
}

func (s *execSession) Write(pcm []byte) error {
	_, err := s.stdin.Write(pcm)
	return err
}

func (s *execSession) CloseWrite() error {
	s.mu.Lock()
	if s.inputDone {
		s.mu.Unlock()
		return nil
	}
	s.inputDone = true
	s.mu.Unlock()
	return s.stdin.Close()
}

func (s *execSession) Results() <-chan Segment { return s.results }

func (s *execSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close waits for the process to exit. Callers cancel the context passed
// to Open to kill a recognizer that does not exit on end of input.
func (s *execSession) Close() error {
	_ = s.CloseWrite()
	<-s.done
	return nil
}
