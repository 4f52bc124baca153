package capability

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/nimbusops/nimbus/internal/config"
	"github.com/nimbusops/nimbus/internal/errors"
	"github.com/nimbusops/nimbus/internal/logger"
	"github.com/nimbusops/nimbus/internal/telemetry"
)

// maxWaiters bounds the queue behind each service's rate limiter.
// Callers beyond it are rejected with a retryable error.
const maxWaiters = 32

// maxResponseBytes caps how much of a tool-service response is read.
const maxResponseBytes = 4 << 20

// envelope is the inter-service response shape.
type envelope struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type serviceLimiter struct {
	limiter *rate.Limiter
	waiters int32
}

// Client implements Port over HTTP. Engine-local kinds are served by
// registered LocalFuncs and bypass the network entirely.
type Client struct {
	registry *Registry
	cfg      config.CapabilityConfig

	http *http.Client

	localMu sync.RWMutex
	local   map[string]LocalFunc

	limiterMu sync.Mutex
	limiters  map[string]*serviceLimiter

	metrics *telemetry.Metrics
	log     logger.Logger
}

var _ Port = (*Client)(nil)

// NewClient builds the capability client from config. Service base
// URLs come from cfg.Services keyed by service name; services without
// an entry fall back to cfg.StateServiceURL.
func NewClient(cfg config.CapabilityConfig, registry *Registry) *Client {
	return &Client{
		registry: registry,
		cfg:      cfg,
		http: &http.Client{
			Timeout: cfg.ParsedRequestTimeout() + 5*time.Second,
		},
		local:    make(map[string]LocalFunc),
		limiters: make(map[string]*serviceLimiter),
		metrics:  telemetry.GetMetrics(),
		log:      logger.New("capability"),
	}
}

// RegisterLocal installs an in-process handler for a kind. The kind
// must already be in the registry.
func (c *Client) RegisterLocal(kind string, fn LocalFunc) error {
	if !c.registry.Known(kind) {
		return errors.Newf(errors.KindBadInput, "cannot register local handler for unknown kind %s", kind)
	}
	c.localMu.Lock()
	defer c.localMu.Unlock()
	if _, exists := c.local[kind]; exists {
		return errors.Newf(errors.KindConflict, "local handler for %s already registered", kind)
	}
	c.local[kind] = fn
	return nil
}

// Invoke runs one capability call: local handler when registered,
// otherwise a rate-limited HTTP request to the owning tool service.
func (c *Client) Invoke(ctx context.Context, kind string, inputs map[string]interface{}, opts InvokeOptions) (map[string]interface{}, error) {
	spec, ok := c.registry.Get(kind)
	if !ok {
		return nil, errors.PermanentCapability(kind, "unknown capability kind")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		if spec.DefaultTimeoutMS > 0 {
			timeout = time.Duration(spec.DefaultTimeoutMS) * time.Millisecond
		} else {
			timeout = c.cfg.ParsedRequestTimeout()
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := telemetry.StartSpan(ctx, "capability.invoke",
		attribute.String("capability.kind", kind),
		attribute.String("capability.service", spec.Service))

	start := time.Now()
	outputs, err := c.invoke(ctx, spec, inputs, opts)
	telemetry.EndSpan(span, err)
	c.metrics.CapabilityLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.CapabilityErrors.WithLabelValues(kind, string(errors.KindOf(err))).Inc()
		c.log.Debug("capability invocation failed",
			logger.String("kind", kind),
			logger.String("error_kind", string(errors.KindOf(err))),
			logger.Err(err))
	}
	return outputs, err
}

func (c *Client) invoke(ctx context.Context, spec Spec, inputs map[string]interface{}, opts InvokeOptions) (map[string]interface{}, error) {
	c.localMu.RLock()
	fn := c.local[spec.Kind]
	c.localMu.RUnlock()
	if fn != nil {
		outputs, err := fn(ctx, inputs)
		if err == nil {
			return outputs, nil
		}
		// Local handlers speak the same taxonomy as remote services;
		// anything unclassified is normalized here so the executor's
		// retry and cancellation logic sees uniform kinds.
		var engineErr *errors.Error
		if stderrors.As(err, &engineErr) {
			return nil, err
		}
		if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
			return nil, c.classifyTransport(ctx, spec.Kind, err)
		}
		return nil, errors.Wrapf(err, errors.KindInternal, "local capability %s", spec.Kind)
	}

	baseURL := c.cfg.Services[spec.Service]
	if baseURL == "" {
		baseURL = c.cfg.StateServiceURL
	}
	if baseURL == "" {
		return nil, errors.PermanentCapability(spec.Kind, "no service endpoint configured")
	}

	if err := c.waitLimiter(ctx, spec); err != nil {
		return nil, err
	}

	if inputs == nil {
		inputs = map[string]interface{}{}
	}
	body, err := json.Marshal(inputs)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindBadInput, "encoding inputs for %s", spec.Kind)
	}

	endpoint := fmt.Sprintf("%s/api/%s/%s", strings.TrimRight(baseURL, "/"), spec.Service, spec.Action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "building request for %s", spec.Kind)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderServiceToken, c.cfg.ServiceToken)
	if opts.IdempotencyKey != "" {
		req.Header.Set(HeaderIdempotencyKey, opts.IdempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.classifyTransport(ctx, spec.Kind, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, c.classifyTransport(ctx, spec.Kind, err)
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return nil, errors.PermanentCapability(spec.Kind, "malformed response envelope")
		}
	}

	if resp.StatusCode >= 300 || !env.Success {
		return nil, c.mapFailure(spec.Kind, resp.StatusCode, env)
	}
	return env.Data, nil
}

// waitLimiter blocks on the service's token bucket, bounding the queue
// at maxWaiters.
func (c *Client) waitLimiter(ctx context.Context, spec Spec) error {
	sl := c.limiterFor(spec.Service)

	if n := atomic.AddInt32(&sl.waiters, 1); n > maxWaiters {
		atomic.AddInt32(&sl.waiters, -1)
		c.metrics.RateLimitRejections.WithLabelValues(spec.Service).Inc()
		return errors.TransientCapability(spec.Kind, "rate limit queue full")
	}
	c.metrics.RateLimitQueueDepth.WithLabelValues(spec.Service).Inc()
	defer func() {
		atomic.AddInt32(&sl.waiters, -1)
		c.metrics.RateLimitQueueDepth.WithLabelValues(spec.Service).Dec()
	}()

	if err := sl.limiter.Wait(ctx); err != nil {
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.Timeout(fmt.Sprintf("deadline elapsed while rate limited for %s", spec.Service))
		}
		if stderrors.Is(ctx.Err(), context.Canceled) {
			return errors.Cancelled(fmt.Sprintf("cancelled while rate limited for %s", spec.Service))
		}
		return errors.TransientCapability(spec.Kind, err.Error())
	}
	return nil
}

func (c *Client) limiterFor(service string) *serviceLimiter {
	c.limiterMu.Lock()
	defer c.limiterMu.Unlock()

	if sl, exists := c.limiters[service]; exists {
		return sl
	}

	perMin := c.cfg.RateLimitPerMin
	if perMin <= 0 {
		perMin = 60
	}
	burst := c.cfg.RateBurst
	if burst <= 0 {
		burst = perMin
	}
	sl := &serviceLimiter{
		limiter: rate.NewLimiter(rate.Limit(float64(perMin)/60.0), burst),
	}
	c.limiters[service] = sl
	return sl
}

// classifyTransport maps transport-level failures onto the taxonomy:
// deadline → timeout, cancel → cancelled, everything else on the wire
// is transient.
func (c *Client) classifyTransport(ctx context.Context, kind string, err error) error {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Timeout(fmt.Sprintf("capability %s: deadline elapsed", kind))
	}
	if stderrors.Is(ctx.Err(), context.Canceled) || stderrors.Is(err, context.Canceled) {
		return errors.Cancelled(fmt.Sprintf("capability %s: cancelled", kind))
	}
	var urlErr *url.Error
	if stderrors.As(err, &urlErr) && urlErr.Timeout() {
		return errors.Timeout(fmt.Sprintf("capability %s: request timed out", kind))
	}
	return errors.TransientCapability(kind, err.Error())
}

// mapFailure translates envelope error names and HTTP status codes to
// error kinds. Tool services speak the port vocabulary: not_available,
// bad_input, transient, permanent, conflict, timeout.
func (c *Client) mapFailure(kind string, status int, env envelope) error {
	message := env.Message
	if message == "" {
		message = env.Error
	}
	if message == "" {
		message = fmt.Sprintf("service returned status %d", status)
	}

	var err *errors.Error
	switch env.Error {
	case "transient", "rate_limited":
		err = errors.TransientCapability(kind, message)
	case "timeout":
		err = errors.Timeout(message)
	case "bad_input":
		err = errors.BadInput(message)
	case "conflict":
		err = errors.Conflict(message)
	case "not_available":
		err = errors.PermanentCapability(kind, "not available: "+message)
	case "permanent":
		err = errors.PermanentCapability(kind, message)
	default:
		switch {
		case status == http.StatusBadRequest:
			err = errors.BadInput(message)
		case status == http.StatusNotFound:
			err = errors.PermanentCapability(kind, "not available: "+message)
		case status == http.StatusConflict:
			err = errors.Conflict(message)
		case status == http.StatusTooManyRequests,
			status == http.StatusBadGateway,
			status == http.StatusServiceUnavailable:
			err = errors.TransientCapability(kind, message)
		case status == http.StatusGatewayTimeout:
			err = errors.Timeout(message)
		default:
			err = errors.PermanentCapability(kind, message)
		}
	}

	for k, v := range env.Details {
		err = err.WithDetails(k, v)
	}
	return err.WithDetails("status", status)
}
