package ultravox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"voice-bridge/internal/observability"

	"github.com/go-playground/validator/v10"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("voice-bridge/internal/clients/ultravox")

const (
	DefaultVoice        = "Mark"
	DefaultLanguageHint = "en"

	temperature = 0.3
	userRole    = "MESSAGE_ROLE_USER"
)

type Config struct {
	APIKey           string
	BaseURL          string
	Model            string
	SampleRate       int
	BufferSizeMs     int
	RequestTimeout   time.Duration
	RetryBase        time.Duration
	RetryCap         time.Duration
	MaxRetries       uint64
	RecordingEnabled bool
}

// SessionRequest describes the conversation the engine should run.
type SessionRequest struct {
	SystemPrompt string `validate:"required"`
	FirstMessage string `validate:"required"`
	Voice        string
	LanguageHint string
	CallHistory  string
	Tools        []SelectedTool
}

// Session is a negotiated engine session. JoinURL is a validated ws(s) URL.
type Session struct {
	CallID    string
	JoinURL   string
	Voice     string
	Language  string
	CreatedAt time.Time
}

type Client struct {
	config     Config
	httpClient *http.Client
	validate   *validator.Validate
	logger     *observability.Logger
}

func NewClient(config Config, logger *observability.Logger) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.ultravox.ai"
	}
	if config.Model == "" {
		config.Model = "fixie-ai/ultravox-70B"
	}
	if config.SampleRate == 0 {
		config.SampleRate = 16000
	}
	if config.BufferSizeMs == 0 {
		config.BufferSizeMs = 60
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if config.RetryBase == 0 {
		config.RetryBase = time.Second
	}
	if config.RetryCap == 0 {
		config.RetryCap = 10 * time.Second
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.RequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		validate: validator.New(),
		logger:   logger,
	}
}

// CreateSession registers a new engine session. Transient failures are
// retried with capped exponential backoff; credential and request errors
// fail on the first attempt.
func (c *Client) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	ctx, span := tracer.Start(ctx, "ultravox create session")
	defer span.End()

	if err := c.validate.Struct(req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Session{}, &NegotiationError{Kind: ErrInvalidRequest, Err: err}
	}

	body, err := json.Marshal(c.buildPayload(req))
	if err != nil {
		return Session{}, &NegotiationError{Kind: ErrInvalidRequest, Err: fmt.Errorf("failed to marshal session request: %w", err)}
	}
	span.SetAttributes(
		attribute.String("request.model", c.config.Model),
		attribute.Int("request.tools", len(req.Tools)),
	)

	backoff := retry.NewExponential(c.config.RetryBase)
	backoff = retry.WithCappedDuration(c.config.RetryCap, backoff)
	backoff = retry.WithMaxRetries(c.config.MaxRetries, backoff)

	var (
		session  Session
		attempts int
	)
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		s, err := c.createCall(ctx, body)
		if err != nil {
			if isRetryable(err) {
				c.logger.WarnWithError(ctx, fmt.Sprintf("session negotiation attempt %d failed, retrying", attempts), err)
				return retry.RetryableError(err)
			}
			return err
		}
		session = s
		return nil
	})
	span.SetAttributes(attribute.Int("response.attempts", attempts))
	if err != nil {
		negErr := classify(err, attempts)
		span.RecordError(negErr)
		span.SetStatus(codes.Error, negErr.Error())
		return Session{}, negErr
	}

	session.Voice = req.Voice
	if session.Voice == "" {
		session.Voice = DefaultVoice
	}
	session.Language = req.LanguageHint
	if session.Language == "" {
		session.Language = DefaultLanguageHint
	}
	span.SetAttributes(attribute.String("response.call_id", session.CallID))
	return session, nil
}

func (c *Client) buildPayload(req SessionRequest) createCallRequest {
	prompt := req.SystemPrompt
	if req.CallHistory != "" {
		prompt += "\n\nPrevious Call History:\n" + req.CallHistory
	}
	voice := req.Voice
	if voice == "" {
		voice = DefaultVoice
	}
	language := req.LanguageHint
	if language == "" {
		language = DefaultLanguageHint
	}
	tools := req.Tools
	if tools == nil {
		tools = []SelectedTool{}
	}

	return createCallRequest{
		SystemPrompt:    prompt,
		Model:           c.config.Model,
		Voice:           voice,
		Temperature:     temperature,
		LanguageHint:    language,
		InitialMessages: []initialMessage{{Role: userRole, Text: req.FirstMessage}},
		Medium: medium{ServerWebSocket: serverWebSocket{
			InputSampleRate:    c.config.SampleRate,
			OutputSampleRate:   c.config.SampleRate,
			ClientBufferSizeMs: c.config.BufferSizeMs,
		}},
		SelectedTools:    tools,
		RecordingEnabled: c.config.RecordingEnabled,
	}
}

func (c *Client) createCall(ctx context.Context, body []byte) (Session, error) {
	endpoint := strings.TrimRight(c.config.BaseURL, "/") + "/api/calls"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Session{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.config.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Session{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Session{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Session{}, &statusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var created createCallResponse
	if err := json.Unmarshal(respBody, &created); err != nil {
		return Session{}, fmt.Errorf("failed to decode response: %w", err)
	}
	joinURL, err := ValidateJoinURL(created.JoinURL)
	if err != nil {
		return Session{}, err
	}

	session := Session{CallID: created.CallID, JoinURL: joinURL, CreatedAt: time.Now()}
	if t, err := time.Parse(time.RFC3339, created.Created); err == nil {
		session.CreatedAt = t
	}
	return session, nil
}

func isRetryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func classify(err error, attempts int) *NegotiationError {
	negErr := &NegotiationError{Kind: ErrServiceUnavailable, Attempts: attempts, Err: err}

	var se *statusError
	if errors.As(err, &se) {
		negErr.StatusCode = se.StatusCode
		switch se.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			negErr.Kind = ErrAuthenticationFailed
		case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
			negErr.Kind = ErrInvalidRequest
		}
	}
	return negErr
}
