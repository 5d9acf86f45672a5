package generation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/paper-pipeline-service/internal/llm"
	"github.com/helixir/paper-pipeline-service/internal/observability"
)

// Default retry policy values.
const (
	DefaultMaxAttempts = 3

	defaultBackoffBase = time.Second
	defaultMaxBackoff  = 5 * time.Second
)

// Params controls sampling for one logical generation operation. The base
// temperature applies to the first attempt; each subsequent attempt lowers it
// by Step, never below Floor, trading exploration for format compliance.
type Params struct {
	// Temperature is the sampling temperature for the first attempt.
	Temperature float64

	// TemperatureFloor is the lowest temperature any attempt uses.
	TemperatureFloor float64

	// TemperatureStep is subtracted per additional attempt.
	TemperatureStep float64

	// MaxTokens caps the response length. Zero means the provider default.
	MaxTokens int

	// Model overrides the completer's configured model (optional).
	Model string
}

// Request describes one structured generation operation.
type Request struct {
	// Operation names the operation for logging and metrics (e.g. "query-rewrite").
	Operation string

	// System is the system prompt.
	System string

	// Prompt is the user prompt.
	Prompt string

	// ContentTag is the fence tag of the expected content block
	// (e.g. "json", "markdown").
	ContentTag string

	// Images are attached for vision operations.
	Images []llm.ImageAttachment

	// Params is the sampling schedule.
	Params Params

	// MaxAttempts overrides the client default when positive.
	MaxAttempts int
}

// Result is the outcome of a successful generate call. Either Skipped is set
// with a reason, or Path and Content carry the parsed payload.
type Result struct {
	Path       string
	Content    string
	Skipped    bool
	SkipReason string

	// Usage is the token usage of the final attempt.
	Usage llm.Usage

	// Attempts is the number of attempts consumed.
	Attempts int
}

// TerminalGenerationError is returned when the attempt budget is exhausted
// without a successful parse. It carries the last attempt's usage so callers
// can still account for cost.
type TerminalGenerationError struct {
	Operation string
	Attempts  int
	LastUsage llm.Usage
	Cause     error
}

// Error implements the error interface.
func (e *TerminalGenerationError) Error() string {
	return fmt.Sprintf("generation %q failed after %d attempts: %v", e.Operation, e.Attempts, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *TerminalGenerationError) Unwrap() error {
	return e.Cause
}

// Client wraps an llm.Completer with structured-output retries. Parse
// failures and transient provider errors are retried with decaying
// temperature and exponential backoff; non-transient provider errors
// propagate immediately without consuming the attempt budget.
type Client struct {
	completer   llm.Completer
	maxAttempts int
	backoffBase time.Duration
	maxBackoff  time.Duration
	logger      zerolog.Logger
	metrics     *observability.Metrics
}

// NewClient creates a generation client with the default retry policy.
func NewClient(completer llm.Completer, logger zerolog.Logger, metrics *observability.Metrics) *Client {
	return &Client{
		completer:   completer,
		maxAttempts: DefaultMaxAttempts,
		backoffBase: defaultBackoffBase,
		maxBackoff:  defaultMaxBackoff,
		logger:      logger,
		metrics:     metrics,
	}
}

// Generate runs the attempt loop until the response parses, the model skips,
// or the budget is exhausted. Skip detection runs before parsing so a
// deliberate decline is never reported as a parse failure.
func (c *Client) Generate(ctx context.Context, req Request) (*Result, error) {
	return c.run(ctx, req, true)
}

// GenerateText runs the same attempt loop without the two-block contract.
// The response text is returned verbatim; an empty response is treated as a
// retryable failure. Used for page transcription where the model emits free
// text rather than an artifact.
func (c *Client) GenerateText(ctx context.Context, req Request) (*Result, error) {
	return c.run(ctx, req, false)
}

func (c *Client) run(ctx context.Context, req Request, structured bool) (*Result, error) {
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = c.maxAttempts
	}

	model := req.Params.Model
	if model == "" {
		model = c.completer.Model()
	}

	var lastUsage llm.Usage
	var lastErr error

	baseLogger := c.logger
	if sid := observability.SessionIDFromContext(ctx); sid != "" {
		baseLogger = observability.WithSessionContext(baseLogger, sid)
	}
	if stage := observability.StageFromContext(ctx); stage != "" {
		baseLogger = baseLogger.With().Str("stage", stage).Logger()
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		logger := observability.WithAttemptContext(baseLogger, req.Operation, attempt)

		prompt := req.Prompt
		if attempt > 1 {
			prompt = reinforcePrompt(prompt, req.ContentTag, structured)
			c.metrics.RecordLLMRetry(req.Operation)
		}

		start := time.Now()
		resp, err := c.completer.Complete(ctx, llm.CompletionRequest{
			System:      req.System,
			Prompt:      prompt,
			Temperature: adjustedTemperature(req.Params, attempt),
			MaxTokens:   req.Params.MaxTokens,
			Model:       req.Params.Model,
			Images:      req.Images,
		})
		if err != nil {
			c.metrics.RecordLLMRequestFailed(req.Operation, model, errorType(err))
			if !llm.IsTransient(err) {
				return nil, fmt.Errorf("generation %q: %w", req.Operation, err)
			}
			logger.Warn().Err(err).Msg("transient provider error")
			lastErr = err
			if attempt < maxAttempts {
				if werr := c.backoff(ctx, attempt); werr != nil {
					return nil, werr
				}
			}
			continue
		}

		c.metrics.RecordLLMRequest(req.Operation, resp.Model, time.Since(start).Seconds(),
			resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		lastUsage = resp.Usage

		if reason, skipped := DetectSkip(resp.Text); skipped {
			logger.Debug().Str("reason", reason).Msg("model skipped item")
			return &Result{Skipped: true, SkipReason: reason, Usage: resp.Usage, Attempts: attempt}, nil
		}

		result, perr := c.parseAttempt(resp.Text, req.ContentTag, structured)
		if perr == nil {
			result.Usage = resp.Usage
			result.Attempts = attempt
			return result, nil
		}

		logger.Warn().Err(perr).Msg("response failed to parse")
		lastErr = perr
		if attempt < maxAttempts {
			if werr := c.backoff(ctx, attempt); werr != nil {
				return nil, werr
			}
		}
	}

	return nil, &TerminalGenerationError{
		Operation: req.Operation,
		Attempts:  maxAttempts,
		LastUsage: lastUsage,
		Cause:     lastErr,
	}
}

// parseAttempt validates one attempt's response text.
func (c *Client) parseAttempt(text, contentTag string, structured bool) (*Result, error) {
	if !structured {
		if strings.TrimSpace(text) == "" {
			return nil, &ParseFailure{Reason: "empty response"}
		}
		return &Result{Content: text}, nil
	}

	payload, err := Parse(text, contentTag)
	if err != nil {
		return nil, err
	}
	return &Result{Path: payload.Path, Content: payload.Content}, nil
}

// backoff waits before the attempt following failed attempt n, honoring
// context cancellation. The delay doubles per attempt up to maxBackoff.
func (c *Client) backoff(ctx context.Context, failedAttempt int) error {
	delay := c.backoffBase * (1 << (failedAttempt - 1))
	if delay > c.maxBackoff {
		delay = c.maxBackoff
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("generation cancelled during backoff: %w", ctx.Err())
	case <-time.After(delay):
		return nil
	}
}

// adjustedTemperature computes the attempt's temperature: the base lowered by
// one step per additional attempt, never below the floor.
func adjustedTemperature(p Params, attempt int) float64 {
	t := p.Temperature - float64(attempt-1)*p.TemperatureStep
	if t < p.TemperatureFloor {
		t = p.TemperatureFloor
	}
	if t < 0 {
		t = 0
	}
	return t
}

// reinforcePrompt appends an explicit format-compliance instruction for retry
// attempts. The original prompt is never mutated, so the reinforcement does
// not compound across attempts.
func reinforcePrompt(prompt, contentTag string, structured bool) string {
	if !structured {
		return prompt + "\n\nIMPORTANT: your previous response was empty. Respond with the requested text."
	}
	return fmt.Sprintf("%s\n\nIMPORTANT: your previous response did not follow the required format. "+
		"Respond with EXACTLY two fenced code blocks and nothing else:\n\n"+
		"```path\n<relative output path>\n```\n\n```%s\n<content>\n```",
		prompt, contentTag)
}

// errorType maps a provider error to a metrics label.
func errorType(err error) string {
	if llm.IsTransient(err) {
		return "transient"
	}
	return "terminal"
}
