package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"lecturecast/internal/core/domain"
	"lecturecast/pkg/circuitbreaker"
	"lecturecast/pkg/retry"
	"lecturecast/pkg/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// errRejected marks a 4xx answer. It is never retried and does not trip the
// breaker.
var errRejected = errors.New("request rejected")

type Config struct {
	AuthURL          string
	EnrollmentURL    string
	Timeout          time.Duration
	CacheTTL         time.Duration
	MaxRetries       int
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:          5 * time.Second,
		CacheTTL:         time.Minute,
		MaxRetries:       2,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

// caller performs JSON GETs against one collaborator with retries behind a
// circuit breaker.
type caller struct {
	service string
	http    *http.Client
	retry   retry.Config
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

func newCaller(service string, cfg Config, client *http.Client, logger *zap.SugaredLogger) *caller {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.MaxRetries
	rc.Permanent = []error{errRejected}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerThreshold,
		SuccessThreshold: 1,
		Cooldown:         cfg.BreakerCooldown,
	})
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("collaborator circuit changed state",
			"service", service,
			"from", from.String(),
			"to", to.String(),
		)
	})

	return &caller{
		service: service,
		http:    client,
		retry:   rc,
		breaker: breaker,
		logger:  logger,
	}
}

// getJSON decodes the response of a GET into out. A 4xx answer comes back
// as the *statusError; transport failures, 5xx and an open breaker come back
// wrapped in domain.ErrUnavailable.
func (c *caller) getJSON(ctx context.Context, url string, header http.Header, out any) error {
	ctx, span := tracing.TraceOutboundCall(ctx, c.service, http.MethodGet, url)
	defer span.End()

	err := retry.Retry(ctx, c.retry, func(ctx context.Context) error {
		var rejected error
		err := c.breaker.Execute(ctx, func(ctx context.Context) error {
			err := c.do(ctx, url, header, out)
			if errors.Is(err, errRejected) {
				rejected = err
				return nil
			}
			return err
		})
		if rejected != nil {
			return rejected
		}
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return fmt.Errorf("%w: %w", errRejected, err)
		}
		return err
	})
	if err == nil {
		return nil
	}

	tracing.RecordError(ctx, err)
	var se *statusError
	if errors.As(err, &se) && se.code < http.StatusInternalServerError {
		return se
	}
	c.logger.Warnw("collaborator call failed",
		"service", c.service,
		"error", err,
	)
	return fmt.Errorf("%w: %s: %v", domain.ErrUnavailable, c.service, err)
}

func (c *caller) do(ctx context.Context, url string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", errRejected, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", c.service, err)
	}
	defer resp.Body.Close()

	tracing.AddSpanAttributes(ctx, attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		se := &statusError{service: c.service, code: resp.StatusCode, body: string(body)}
		if resp.StatusCode < http.StatusInternalServerError {
			return fmt.Errorf("%w: %w", errRejected, se)
		}
		return se
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", c.service, err)
	}
	return nil
}

type statusError struct {
	service string
	code    int
	body    string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s answered %d: %s", e.service, e.code, e.body)
}
