package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-consult/internal/audio"
	"github.com/loqalabs/loqa-consult/internal/config"
)

// RealtimeOptions configures a RealtimeAdapter.
type RealtimeOptions struct {
	Source      audio.Source
	Format      audio.Format
	Config      config.RealtimeConfig
	StopTimeout time.Duration
	HTTPClient  *http.Client
	Dialer      *websocket.Dialer
	Listener    Listener
	Logger      *slog.Logger
}

// RealtimeAdapter streams PCM to the AssemblyAI realtime websocket and
// relays partial and final transcripts. Language changes require a new
// adapter.
type RealtimeAdapter struct {
	lifecycle
	opts RealtimeOptions
}

type realtimeMessage struct {
	MessageType string `json:"message_type"`
	Text        string `json:"text"`
	SessionID   string `json:"session_id"`
	Error       string `json:"error"`
}

const (
	msgSessionBegins     = "SessionBegins"
	msgPartialTranscript = "PartialTranscript"
	msgFinalTranscript   = "FinalTranscript"
	msgSessionTerminated = "SessionTerminated"
)

func NewRealtimeAdapter(opts RealtimeOptions) *RealtimeAdapter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	logger := opts.Logger.With(slog.String("backend", string(AssemblyAIRealtime)))
	opts.Logger = logger
	return &RealtimeAdapter{
		lifecycle: lifecycle{drain: opts.StopTimeout, logger: logger},
		opts:      opts,
	}
}

func (a *RealtimeAdapter) timeout() time.Duration {
	if a.opts.Config.TimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(a.opts.Config.TimeoutMS) * time.Millisecond
}

func (a *RealtimeAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		return nil
	}

	stream, err := a.opts.Source.Open(context.WithoutCancel(ctx), a.opts.Format)
	if err != nil {
		return captureError(err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout())
	defer cancel()
	conn, sessionID, err := a.connect(ctx)
	if err != nil {
		if closeErr := stream.Close(); closeErr != nil {
			a.opts.Logger.Warn("release microphone", slogError(closeErr))
		}
		return err
	}

	s := newSession()
	s.closeInput = stream.Close
	s.release = func() error { return closeSocket(conn) }
	s.goroutine(func() { a.send(s, stream, conn) })
	s.goroutine(func() { a.receive(s, conn) })
	a.activate(s)
	a.opts.Logger.Info("realtime session started", slog.String("session_id", sessionID))
	return nil
}

// connect exchanges a token, dials the socket and waits for SessionBegins.
func (a *RealtimeAdapter) connect(ctx context.Context) (*websocket.Conn, string, error) {
	token, err := a.token(ctx)
	if err != nil {
		return nil, "", backendError("realtime token", err)
	}
	endpoint, err := url.Parse(a.opts.Config.URL)
	if err != nil {
		return nil, "", backendError("realtime url", err)
	}
	q := endpoint.Query()
	q.Set("sample_rate", strconv.Itoa(a.opts.Format.SampleRate))
	q.Set("token", token)
	endpoint.RawQuery = q.Encode()

	conn, resp, err := a.opts.Dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, "", backendError("dial realtime", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(a.timeout())
	}
	_ = conn.SetReadDeadline(deadline)
	var msg realtimeMessage
	if err := conn.ReadJSON(&msg); err != nil {
		_ = conn.Close()
		return nil, "", backendError("await session", err)
	}
	if msg.Error != "" || msg.MessageType != msgSessionBegins {
		_ = conn.Close()
		return nil, "", backendError("await session", fmt.Errorf("unexpected message %q: %s", msg.MessageType, msg.Error))
	}
	_ = conn.SetReadDeadline(time.Time{})
	return conn, msg.SessionID, nil
}

func (a *RealtimeAdapter) token(ctx context.Context) (string, error) {
	if a.opts.Config.Token != "" {
		return a.opts.Config.Token, nil
	}
	if a.opts.Config.TokenURL == "" {
		return "", errors.New("neither token nor token_url configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.opts.Config.TokenURL, bytes.NewReader([]byte(`{"expires_in":3600}`)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.opts.Config.APIKey != "" {
		req.Header.Set("Authorization", a.opts.Config.APIKey)
	}
	resp, err := a.opts.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	if body.Token == "" {
		return "", errors.New("token endpoint returned empty token")
	}
	return body.Token, nil
}

func (a *RealtimeAdapter) send(s *session, stream audio.Stream, conn *websocket.Conn) {
	for frame := range stream.Frames() {
		if err := conn.WriteMessage(websocket.BinaryMessage, audio.FloatToPCM16(frame)); err != nil {
			a.fail(s, backendError("send audio", err), a.opts.Listener)
			return
		}
	}
	if err := stream.Err(); err != nil {
		a.fail(s, backendError("capture", err), a.opts.Listener)
		return
	}
	if err := conn.WriteJSON(map[string]bool{"terminate_session": true}); err != nil {
		a.opts.Logger.Debug("send terminate", slogError(err))
	}
}

func (a *RealtimeAdapter) receive(s *session, conn *websocket.Conn) {
	for {
		var msg realtimeMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !s.stopping.Load() {
				a.fail(s, backendError("read transcript", err), a.opts.Listener)
			}
			return
		}
		if msg.Error != "" {
			a.fail(s, backendError("realtime", errors.New(msg.Error)), a.opts.Listener)
			return
		}
		switch msg.MessageType {
		case msgPartialTranscript, msgFinalTranscript:
			text := strings.TrimSpace(msg.Text)
			if text == "" || s.ctx.Err() != nil {
				continue
			}
			a.opts.Listener.OnSegment(Segment{Text: text, Final: msg.MessageType == msgFinalTranscript})
		case msgSessionTerminated:
			if !s.stopping.Load() {
				a.fail(s, backendError("realtime", errors.New("session terminated by provider")), a.opts.Listener)
			}
			return
		}
	}
}

func closeSocket(conn *websocket.Conn) error {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return conn.Close()
}
