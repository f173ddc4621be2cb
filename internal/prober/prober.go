// Package prober finds free ports for new backends and waits for them to
// answer on their readiness endpoint.
package prober

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Defaults for the readiness schedule.
const (
	DefaultTimeout         = 60 * time.Second
	DefaultInitialInterval = 250 * time.Millisecond
	DefaultMaxInterval     = 2 * time.Second
	DefaultRequestTimeout  = 5 * time.Second
)

// FindFreePort binds host:0, reads back the assigned port and releases it.
// host defaults to the loopback address.
func FindFreePort(host string) (int, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("find free port: %w", err)
	}
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Options tunes AwaitReady. Zero values fall back to the defaults above.
type Options struct {
	Timeout            time.Duration
	InitialInterval    time.Duration
	MaxInterval        time.Duration
	RequestTimeout     time.Duration
	InsecureSkipVerify bool
	Headers            map[string]string
	Client             *http.Client
	Logger             *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = DefaultInitialInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = DefaultMaxInterval
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.Client == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if o.InsecureSkipVerify {
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- backends serve self-signed certs
		}
		o.Client = &http.Client{Transport: tr, Timeout: o.RequestTimeout}
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// AwaitReady polls GET target until it answers with a 2xx status, the target
// is unusable, ctx is cancelled, or opts.Timeout elapses. It never returns an
// error: false means "not ready" and the caller decides what that implies.
func AwaitReady(ctx context.Context, target string, opts Options) bool {
	o := opts.withDefaults()
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		o.Logger.Error("readiness target is not a valid URL", "url", target, "error", err)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.InitialInterval
	b.MaxInterval = o.MaxInterval
	b.MaxElapsedTime = o.Timeout

	attempts := 0
	op := func() error {
		attempts++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		for k, v := range o.Headers {
			req.Header.Set(k, v)
		}
		resp, err := o.Client.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("readiness status %d", resp.StatusCode)
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		o.Logger.Debug("backend not ready yet", "url", target, "attempt", attempts, "retry_in", next, "error", err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		o.Logger.Warn("backend did not become ready", "url", target, "attempts", attempts, "error", err)
		return false
	}
	o.Logger.Debug("backend ready", "url", target, "attempts", attempts)
	return true
}

// Prober bundles the two operations behind an interface-friendly value so the
// orchestrator can swap it out in tests.
type Prober struct {
	Host    string
	Options Options
}

func (p Prober) FreePort() (int, error) { return FindFreePort(p.Host) }

func (p Prober) Ready(ctx context.Context, target string, headers map[string]string) bool {
	o := p.Options
	o.Headers = headers
	return AwaitReady(ctx, target, o)
}
