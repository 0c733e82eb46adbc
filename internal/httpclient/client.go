// Package httpclient builds the pooled, HTTP/2-enabled client the HTTP
// Executor (C3) uses (the Preload Cache Manager (C7) takes an optional
// client and otherwise uses http.DefaultClient), and carries
// the error-classification/backoff helpers the Executor uses to decide
// Retrying vs terminal Failed.
//
// Grounded on the teacher's internal/http/client.go (CreateOptimizedClient)
// and internal/http/retry.go (ClassifyError/CalculateBackoff/ExecuteWithRetry).
package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/net/http2"
)

// New builds a *http.Client tuned for many concurrent long-lived
// transfers: large connection pools, no overall timeout, HTTP/2 forced on.
// The transport's dial and TLS-handshake timeouts are the only time
// limits; the Executor adds no per-operation timeout of its own.
//
// The client is shared across every task the Executor runs concurrently,
// so per-task redirect policy (spec.md §4.3's redirect=true/false) can't
// live on the client itself; CheckRedirect instead consults a value
// stashed on each request's context by WithFollowRedirect.
func New() *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   60 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	http2.ConfigureTransport(transport)

	return &http.Client{
		Transport: transport,
		Timeout:   0,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if !followRedirect(req.Context()) {
				return http.ErrUseLastResponse
			}
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			return nil
		},
	}
}

type followRedirectKey struct{}

// WithFollowRedirect attaches a task's redirect policy to ctx; pass the
// result to http.NewRequestWithContext so the shared client's
// CheckRedirect (set in New) can honor redirect=false by returning
// http.ErrUseLastResponse and letting the literal 3xx reach the caller.
func WithFollowRedirect(ctx context.Context, follow bool) context.Context {
	return context.WithValue(ctx, followRedirectKey{}, follow)
}

// followRedirect defaults to true (Go's stdlib default) when the context
// carries no explicit policy.
func followRedirect(ctx context.Context) bool {
	v, ok := ctx.Value(followRedirectKey{}).(bool)
	if !ok {
		return true
	}
	return v
}

// NewRetryable wraps New()'s transport in a retryablehttp.Client whose
// own retry policy is disabled (CheckRetry always says no): connection
// reuse and redirect-following stay in the library, but the state-machine
// level retry/backoff decision belongs to the Executor per spec.md §4.3/§7.
func NewRetryable() *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = New()
	rc.RetryMax = 0
	rc.Logger = nil
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		return false, nil
	}
	return rc
}

// ErrorClass is the internal retry classification of spec.md §4.3's
// "Error classification (both directions)" table, generalized from the
// teacher's AWS/Azure-specific ErrorType.
type ErrorClass int

const (
	ClassSuccess ErrorClass = iota
	ClassTimeout
	ClassUserAborted
	ClassBodyTransfer
	ClassRedirect
	ClassConnect
	ClassRequest
	ClassOthers
)

// Classify maps a transport/error into the Executor's retry class.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassSuccess
	}
	if errors.Is(err, context.Canceled) {
		return ClassUserAborted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "too many redirects"), strings.Contains(msg, "redirect"):
		return ClassRedirect
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "connect:"):
		return ClassConnect
	case strings.Contains(msg, "malformed"), strings.Contains(msg, "invalid request"):
		return ClassRequest
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "eof"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "use of closed network connection"):
		return ClassBodyTransfer
	default:
		return ClassOthers
	}
}

// CalculateBackoff returns exponential backoff with full jitter, capped at
// maxDelay (grounded verbatim on internal/http/retry.go CalculateBackoff).
func CalculateBackoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}
	base := time.Duration(1<<uint(attempt)) * initialDelay
	if base > maxDelay {
		base = maxDelay
	}
	if base <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(base)))
}
