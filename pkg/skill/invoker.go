package skill

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	defaultMaxAttempts = 2
	defaultBackoffBase = 200 * time.Millisecond
	backoffFactor      = 2
	jitterFraction     = 0.2

	maxResponseBytes = 4 << 20
)

// Invoker executes skills over HTTP with credential resolution, per-skill
// timeouts, bounded retries and output schema validation.
type Invoker struct {
	client      *http.Client
	secrets     SecretStore
	logger      *slog.Logger
	maxAttempts int
	backoffBase time.Duration
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithHTTPClient overrides the transport.
func WithHTTPClient(c *http.Client) InvokerOption {
	return func(i *Invoker) { i.client = c }
}

// WithInvokerLogger overrides the default logger.
func WithInvokerLogger(l *slog.Logger) InvokerOption {
	return func(i *Invoker) { i.logger = l }
}

// WithBackoffBase overrides the retry backoff base. Tests shrink it.
func WithBackoffBase(d time.Duration) InvokerOption {
	return func(i *Invoker) { i.backoffBase = d }
}

// NewInvoker creates an invoker resolving credentials from the given store.
func NewInvoker(secrets SecretStore, opts ...InvokerOption) *Invoker {
	inv := &Invoker{
		client:      &http.Client{},
		secrets:     secrets,
		logger:      slog.Default(),
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
	}
	for _, o := range opts {
		o(inv)
	}
	return inv
}

// Invoke calls the skill endpoint with the bound inputs. Inputs are assumed
// to already satisfy the skill's input schema. The effective deadline is the
// tighter of the skill timeout and the caller's context. At most one retry is
// made, and only for transient failures; 4xx responses other than 429 are
// final on the first attempt.
func (inv *Invoker) Invoke(ctx context.Context, sk *Skill, inputs map[string]any) (any, error) {
	if sk.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(sk.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	var lastErr *Error
	for attempt := 1; attempt <= inv.maxAttempts; attempt++ {
		result, err := inv.attempt(ctx, sk, inputs, attempt)
		if err == nil {
			return result, nil
		}
		var serr *Error
		if !errors.As(err, &serr) {
			return nil, err
		}
		lastErr = serr
		inv.logger.Warn("skill invocation failed",
			"skill_id", sk.ID, "attempt", attempt, "kind", serr.Kind, "status", serr.Status)
		if !serr.Retryable() || attempt == inv.maxAttempts {
			break
		}
		if err := inv.sleep(ctx, inv.backoffDelay(attempt, serr)); err != nil {
			break
		}
	}
	return nil, lastErr
}

func (inv *Invoker) attempt(ctx context.Context, sk *Skill, inputs map[string]any, attempt int) (any, error) {
	req, err := inv.buildRequest(ctx, sk, inputs)
	if err != nil {
		return nil, err
	}

	resp, err := inv.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindTimeout, Message: "deadline exceeded", Attempt: attempt}
		}
		return nil, &Error{Kind: KindTransportError, Message: err.Error(), Attempt: attempt}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Kind: KindTransportError, Message: fmt.Sprintf("reading response: %v", err), Attempt: attempt}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &Error{Kind: KindAuthError, Status: resp.StatusCode,
			Message: "endpoint rejected credentials", Attempt: attempt}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Kind: KindRateLimited, Status: resp.StatusCode,
			Message: "endpoint rate limited the call", Attempt: attempt,
			Payload: retryAfterSeconds(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 400:
		return nil, &Error{Kind: KindHTTPError, Status: resp.StatusCode,
			Message: fmt.Sprintf("endpoint returned %s", resp.Status), Attempt: attempt,
			Payload: truncate(string(body), 512)}
	}

	return inv.parseOutput(sk, body, attempt)
}

func (inv *Invoker) buildRequest(ctx context.Context, sk *Skill, inputs map[string]any) (*http.Request, error) {
	endpoint, remaining := substitutePath(sk.EndpointURL, inputs)

	method := strings.ToUpper(sk.HTTPMethod)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, &Error{Kind: KindTransportError, Message: fmt.Sprintf("invalid endpoint url: %v", err)}
	}
	switch method {
	case http.MethodGet, http.MethodDelete:
		q := u.Query()
		for k, v := range remaining {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		u.RawQuery = q.Encode()
	default:
		payload, err := json.Marshal(remaining)
		if err != nil {
			return nil, &Error{Kind: KindTransportError, Message: fmt.Sprintf("encoding request body: %v", err)}
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, &Error{Kind: KindTransportError, Message: err.Error()}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if err := inv.applyAuth(req, sk); err != nil {
		return nil, err
	}
	return req, nil
}

// applyAuth resolves the credential at call time and attaches it. The
// credential value itself never reaches a log line.
func (inv *Invoker) applyAuth(req *http.Request, sk *Skill) error {
	if sk.AuthKind == AuthNone || sk.AuthKind == "" {
		return nil
	}
	cred, err := inv.secrets.Resolve(sk.CredentialRef)
	if err != nil {
		return &Error{Kind: KindAuthError, Message: fmt.Sprintf("credential %q unavailable", sk.CredentialRef)}
	}
	switch sk.AuthKind {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+cred)
	case AuthAPIKeyHeader:
		name := sk.APIKeyName
		if name == "" {
			name = "X-API-Key"
		}
		req.Header.Set(name, cred)
	case AuthAPIKeyQuery:
		name := sk.APIKeyName
		if name == "" {
			name = "api_key"
		}
		q := req.URL.Query()
		q.Set(name, cred)
		req.URL.RawQuery = q.Encode()
	case AuthBasic:
		user, pass, ok := strings.Cut(cred, ":")
		if !ok {
			return &Error{Kind: KindAuthError, Message: "basic credential must be user:password"}
		}
		req.SetBasicAuth(user, pass)
	default:
		return &Error{Kind: KindAuthError, Message: fmt.Sprintf("unknown auth kind %q", sk.AuthKind)}
	}
	return nil
}

func (inv *Invoker) parseOutput(sk *Skill, body []byte, attempt int) (any, error) {
	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		if len(sk.OutputSchema) > 0 {
			return nil, &Error{Kind: KindOutputMismatch, Attempt: attempt,
				Message: "response is not valid JSON"}
		}
		return string(body), nil
	}
	if len(sk.OutputSchema) == 0 {
		return value, nil
	}

	sch, err := compileSchema(sk.OutputSchema)
	if err != nil {
		return nil, &Error{Kind: KindOutputMismatch, Attempt: attempt,
			Message: fmt.Sprintf("invalid output schema: %v", err)}
	}
	// jsonschema/v6 validates values produced by its own decoder.
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindOutputMismatch, Attempt: attempt,
			Message: "response is not valid JSON"}
	}
	if err := sch.Validate(instance); err != nil {
		return nil, &Error{Kind: KindOutputMismatch, Attempt: attempt,
			Message: fmt.Sprintf("response does not match output schema: %v", err)}
	}
	return value, nil
}

// ValidateInputs checks bound inputs against the skill's input schema.
// Callers bind inputs before invoking, so this runs at the module boundary.
func ValidateInputs(sk *Skill, inputs map[string]any) error {
	if len(sk.InputSchema) == 0 {
		return nil
	}
	sch, err := compileSchema(sk.InputSchema)
	if err != nil {
		return fmt.Errorf("invalid input schema for skill %s: %w", sk.ID, err)
	}
	encoded, err := json.Marshal(inputs)
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	if err := sch.Validate(instance); err != nil {
		return fmt.Errorf("inputs do not match schema for skill %s: %w", sk.ID, err)
	}
	return nil
}

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// substitutePath replaces {name} segments in the URL template with input
// values and returns the inputs that were not consumed by the path.
func substitutePath(endpoint string, inputs map[string]any) (string, map[string]any) {
	remaining := make(map[string]any, len(inputs))
	for k, v := range inputs {
		remaining[k] = v
	}
	for k, v := range inputs {
		placeholder := "{" + k + "}"
		if strings.Contains(endpoint, placeholder) {
			endpoint = strings.ReplaceAll(endpoint, placeholder, url.PathEscape(fmt.Sprintf("%v", v)))
			delete(remaining, k)
		}
	}
	return endpoint, remaining
}

// backoffDelay computes the wait before the next attempt: exponential with
// jitter, or the server-provided Retry-After when rate limited.
func (inv *Invoker) backoffDelay(attempt int, serr *Error) time.Duration {
	if serr.Kind == KindRateLimited {
		if secs, ok := serr.Payload.(int); ok && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	delay := inv.backoffBase
	for i := 1; i < attempt; i++ {
		delay *= backoffFactor
	}
	jitter := 1 + jitterFraction*(2*rand.Float64()-1)
	return time.Duration(float64(delay) * jitter)
}

func (inv *Invoker) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func retryAfterSeconds(header string) int {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return secs
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return int(d.Seconds())
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
