package trends

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Backend submits a prompt and returns the free-text answer. It is one synchronous call;
// retries belong to the caller.
type Backend interface {
	Submit(ctx context.Context, prompt string) (string, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, prompt string) (string, error)

func (f BackendFunc) Submit(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// unavailable wraps a backend failure so callers can match ErrAnalysisUnavailable and
// still see the cause.
func unavailable(err error) error {
	if err == nil || errors.Is(err, ErrAnalysisUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrAnalysisUnavailable, err)
}

// ============================================================================
// HTTP API
// ============================================================================

// APIBackend posts the prompt as JSON to a text-generation endpoint.
type APIBackend struct {
	url         string
	client      *http.Client
	limiter     *rate.Limiter
	maxTokens   int
	temperature float64
}

// APIOption configures an APIBackend
type APIOption func(*APIBackend)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) APIOption {
	return func(b *APIBackend) { b.client = c }
}

// WithRatePerMinute limits how often the endpoint is called. Zero disables the limit.
func WithRatePerMinute(n int) APIOption {
	return func(b *APIBackend) {
		if n <= 0 {
			b.limiter = nil
			return
		}
		b.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)
	}
}

// NewAPIBackend creates a backend for url.
func NewAPIBackend(url string, opts ...APIOption) *APIBackend {
	b := &APIBackend{
		url:         url,
		client:      &http.Client{},
		maxTokens:   2000,
		temperature: 0.7,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type apiRequest struct {
	Prompt       string  `json:"prompt"`
	MaxNewTokens int     `json:"max_new_tokens"`
	Temperature  float64 `json:"temperature"`
	DoSample     bool    `json:"do_sample"`
}

func (b *APIBackend) Submit(ctx context.Context, prompt string) (string, error) {
	if b.url == "" {
		return "", unavailable(errors.New("no API url configured"))
	}
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return "", unavailable(err)
		}
	}

	payload, err := json.Marshal(apiRequest{
		Prompt:       prompt,
		MaxNewTokens: b.maxTokens,
		Temperature:  b.temperature,
		DoSample:     true,
	})
	if err != nil {
		return "", unavailable(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		return "", unavailable(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", unavailable(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", unavailable(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", unavailable(fmt.Errorf("analysis API returned %d: %s", resp.StatusCode, truncate(string(body), 200)))
	}
	return parseAPIResponse(body), nil
}

// parseAPIResponse understands the common response shapes and otherwise returns the raw
// body.
func parseAPIResponse(body []byte) string {
	var r struct {
		Choices []struct {
			Text string `json:"text"`
		} `json:"choices"`
		Results []struct {
			Text string `json:"text"`
		} `json:"results"`
		Response      *string `json:"response"`
		GeneratedText *string `json:"generated_text"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return string(body)
	}
	switch {
	case len(r.Choices) > 0:
		return r.Choices[0].Text
	case len(r.Results) > 0:
		return r.Results[0].Text
	case r.Response != nil:
		return *r.Response
	case r.GeneratedText != nil:
		return *r.GeneratedText
	default:
		return string(body)
	}
}

// ============================================================================
// Shell command
// ============================================================================

// CommandBackend writes the prompt to a file and runs a shell command on it. The
// command's "{prompt_file}" placeholder is replaced by the file path; stdout is the
// answer.
type CommandBackend struct {
	command string
}

// NewCommandBackend creates a backend for a command line.
func NewCommandBackend(command string) *CommandBackend {
	return &CommandBackend{command: command}
}

func (b *CommandBackend) Submit(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(b.command) == "" {
		return "", unavailable(errors.New("no analysis command configured"))
	}

	path, cleanup, err := writePromptFile(prompt)
	if err != nil {
		return "", unavailable(err)
	}
	defer cleanup()

	line := strings.ReplaceAll(b.command, "{prompt_file}", path)
	cmd := exec.CommandContext(ctx, "sh", "-c", line)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", unavailable(ctx.Err())
		}
		return "", unavailable(fmt.Errorf("analysis command failed: %w: %s", err, truncate(stderr.String(), 200)))
	}
	return stdout.String(), nil
}

// ============================================================================
// Local model
// ============================================================================

// LocalModelBackend runs a llama.cpp style binary against a model file.
type LocalModelBackend struct {
	binary  string
	model   string
	tokens  int
	threads int
}

// NewLocalModelBackend creates a backend. An empty binary is looked up as llama-cli,
// then main, on PATH.
func NewLocalModelBackend(binary, model string) *LocalModelBackend {
	return &LocalModelBackend{binary: binary, model: model, tokens: 2048, threads: 8}
}

func (b *LocalModelBackend) Submit(ctx context.Context, prompt string) (string, error) {
	if b.model == "" {
		return "", unavailable(errors.New("no model path configured"))
	}
	if _, err := os.Stat(b.model); err != nil {
		return "", unavailable(fmt.Errorf("model not found: %w", err))
	}
	binary, err := b.resolveBinary()
	if err != nil {
		return "", unavailable(err)
	}

	promptPath, cleanup, err := writePromptFile(prompt)
	if err != nil {
		return "", unavailable(err)
	}
	defer cleanup()
	outputPath := promptPath + ".out"
	defer os.Remove(outputPath)

	cmd := exec.CommandContext(ctx, binary,
		"-m", b.model,
		"-f", promptPath,
		"-n", strconv.Itoa(b.tokens),
		"-t", strconv.Itoa(b.threads),
		"--temp", "0.7",
		"-o", outputPath,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", unavailable(ctx.Err())
		}
		return "", unavailable(fmt.Errorf("local model failed: %w: %s", err, truncate(stderr.String(), 200)))
	}

	if out, err := os.ReadFile(outputPath); err == nil && len(out) > 0 {
		return string(out), nil
	}
	return stdout.String(), nil
}

func (b *LocalModelBackend) resolveBinary() (string, error) {
	if b.binary != "" {
		return exec.LookPath(b.binary)
	}
	for _, name := range []string{"llama-cli", "main"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", errors.New("llama.cpp executable not found in PATH")
}

// ============================================================================
// Decorators and construction
// ============================================================================

type timeoutBackend struct {
	next    Backend
	timeout time.Duration
}

// WithTimeout bounds every submit. A timeout surfaces as ErrAnalysisUnavailable.
func WithTimeout(b Backend, timeout time.Duration) Backend {
	if timeout <= 0 {
		return b
	}
	return &timeoutBackend{next: b, timeout: timeout}
}

func (t *timeoutBackend) Submit(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	out, err := t.next.Submit(ctx, prompt)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", unavailable(fmt.Errorf("analysis timed out after %s", t.timeout))
		}
		return "", unavailable(err)
	}
	return out, nil
}

// BackendConfig selects and configures a backend.
type BackendConfig struct {
	Type          string // api, command or local
	APIURL        string
	Command       string
	ModelPath     string
	LocalBinary   string
	Timeout       time.Duration
	RatePerMinute int
}

// NewBackend builds the configured backend wrapped with its timeout.
func NewBackend(cfg BackendConfig) (Backend, error) {
	var b Backend
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", "api":
		b = NewAPIBackend(cfg.APIURL, WithRatePerMinute(cfg.RatePerMinute))
	case "command":
		b = NewCommandBackend(cfg.Command)
	case "local", "llama.cpp":
		b = NewLocalModelBackend(cfg.LocalBinary, cfg.ModelPath)
	default:
		return nil, fmt.Errorf("unknown analysis backend %q (want api, command or local)", cfg.Type)
	}
	return WithTimeout(b, cfg.Timeout), nil
}

func writePromptFile(prompt string) (string, func(), error) {
	f, err := os.CreateTemp("", "invoicer-prompt-*.txt")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create prompt file: %w", err)
	}
	path := filepath.Clean(f.Name())
	cleanup := func() { os.Remove(path) }

	if _, err := f.WriteString(prompt); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("failed to write prompt file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to write prompt file: %w", err)
	}
	return path, cleanup, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
