/*
Copyright (C) 2023-2024 Loomworks

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published
by the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program. If not, see <https://www.gnu.org/licenses/>.
*/

package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/loomworks/model-registry/pkg/admission"
	"github.com/loomworks/model-registry/pkg/credentials"
	"github.com/loomworks/model-registry/pkg/logger"
	"github.com/rs/zerolog/log"
)

// fetcher opens upstream model sources. Candidate URLs are tried in order; a
// connection that breaks before the response is established is retried once
// per URL before rotating to the next. Authentication failures are final and
// never rotate.
type fetcher struct {
	client      *retryablehttp.Client
	policy      *admission.URLPolicy
	broker      *credentials.Broker
	idleTimeout time.Duration
}

func newFetcher(policy *admission.URLPolicy, broker *credentials.Broker, idleTimeout time.Duration) *fetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = 1
	// The library logs the raw request URL on every attempt; it may carry
	// credentials, so the fields are redacted before they reach zerolog.
	client.Logger = redactingLogger{
		inner: logger.NewWrappedLogger(log.Logger.With().Str("component", "model_fetcher").Logger()),
	}
	// Only a broken connection is retried against the same URL; upstream
	// statuses are handled by the caller, which rotates to the next candidate.
	client.CheckRetry = func(ctx context.Context, _ *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			var forbidden *admission.ForbiddenURLError
			if errors.As(err, &forbidden) {
				return false, err
			}
			return true, nil
		}
		return false, nil
	}
	client.HTTPClient.Timeout = 0
	client.HTTPClient.Transport = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: idleTimeout,
	}
	// Every redirect hop has to pass the same admission as the original URL.
	client.HTTPClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return policy.AdmitURL(req.URL)
	}

	return &fetcher{
		client:      client,
		policy:      policy,
		broker:      broker,
		idleTimeout: idleTimeout,
	}
}

// source is an established upstream response whose body enforces the idle
// read timeout.
type source struct {
	io.ReadCloser

	// rawURL is the URL that produced the response. It may carry credentials
	// and must be sanitized before logging or persisting.
	rawURL   string
	total    int64
	timedOut *atomic.Bool
	cancel   context.CancelFunc
}

func (s *source) Close() error {
	err := s.ReadCloser.Close()
	s.cancel()

	return err
}

// open tries the candidate URLs in order until one yields a 2xx response.
func (f *fetcher) open(ctx context.Context, urls []string, requestID string) (*source, *Error) {
	if len(urls) == 0 {
		return nil, newErrorf(KindInvalidName, "no download url provided")
	}

	var lastErr *Error

	for _, raw := range urls {
		if ctx.Err() != nil {
			return nil, classify(ctx.Err())
		}

		reqCtx, cancel := context.WithCancel(ctx)

		req, err := retryablehttp.NewRequestWithContext(reqCtx, http.MethodGet, raw, nil)
		if err != nil {
			cancel()
			lastErr = newErrorf(KindURLForbidden, "build request for %s: %v", admission.Sanitize(raw), errRootCause(err))
			continue
		}

		if err = f.broker.Attach(req.Request, requestID); err != nil {
			cancel()
			return nil, newErrorf(KindInternal, "attach credentials: %v", err)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			cancel()

			if ctx.Err() != nil {
				return nil, classify(ctx.Err())
			}

			// The wrappers around a failed request embed the full URL, which
			// may carry credentials; only the transport cause is surfaced.
			cause := errRootCause(err)
			cls := classify(cause)
			if cls.Kind == KindInternal || cls.Kind == KindCanceled {
				cls = &Error{Kind: KindUpstream, Err: fmt.Errorf("fetch %s: %w", admission.Sanitize(raw), cause)}
			}
			lastErr = cls

			log.Warn().Err(cause).Str("url", admission.Sanitize(raw)).Msg("Source attempt failed, rotating")
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			drainAndClose(resp.Body)
			cancel()

			return nil, &Error{
				Kind:   KindUnauthorized,
				Status: resp.StatusCode,
				Err:    fmt.Errorf("source %s requires valid credentials (%s)", admission.Sanitize(raw), resp.Status),
			}
		}

		if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
			drainAndClose(resp.Body)
			cancel()

			return nil, &Error{
				Kind:   KindUpstream,
				Status: resp.StatusCode,
				Err:    fmt.Errorf("source %s replied %s", admission.Sanitize(raw), resp.Status),
			}
		}

		var timedOut atomic.Bool
		body := newWatchdogBody(resp.Body, f.idleTimeout, &timedOut, cancel)

		return &source{
			ReadCloser: body,
			rawURL:     raw,
			total:      resp.ContentLength,
			timedOut:   &timedOut,
			cancel:     cancel,
		}, nil
	}

	return nil, lastErr
}

// errRootCause digs the transport-level cause out of a failed request.
// retryablehttp and net/http wrap it in errors whose message embeds the full
// request URL, credentials included; the cause does not.
func errRootCause(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		return urlErr.Err
	}

	return err
}

// redactingLogger sanitizes the request fields retryablehttp hands to its
// logger. The raw URL, the "METHOD URL" retry description and the wrapped
// request errors all embed credential query parameters when the source URL
// carries them.
type redactingLogger struct {
	inner retryablehttp.LeveledLogger
}

func (l redactingLogger) Error(msg string, keysAndValues ...interface{}) {
	l.inner.Error(msg, redactFields(keysAndValues)...)
}

func (l redactingLogger) Info(msg string, keysAndValues ...interface{}) {
	l.inner.Info(msg, redactFields(keysAndValues)...)
}

func (l redactingLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.inner.Debug(msg, redactFields(keysAndValues)...)
}

func (l redactingLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.inner.Warn(msg, redactFields(keysAndValues)...)
}

func redactFields(keysAndValues []interface{}) []interface{} {
	out := make([]interface{}, len(keysAndValues))
	copy(out, keysAndValues)

	for i := 0; i+1 < len(out); i += 2 {
		key, ok := out[i].(string)
		if !ok {
			continue
		}

		switch key {
		case "url":
			if u, isURL := out[i+1].(*url.URL); isURL {
				out[i+1] = admission.SanitizeURL(u)
			} else {
				out[i+1] = admission.Sanitize(fmt.Sprint(out[i+1]))
			}

		case "request":
			if desc, isStr := out[i+1].(string); isStr {
				if method, rawURL, found := strings.Cut(desc, " "); found {
					out[i+1] = method + " " + admission.Sanitize(rawURL)
				}
			}

		case "error":
			if err, isErr := out[i+1].(error); isErr {
				out[i+1] = errRootCause(err)
			}
		}
	}

	return out
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}

// watchdogBody aborts the request when no byte arrives for the configured
// idle timeout.
type watchdogBody struct {
	io.ReadCloser

	timeout time.Duration
	timer   *time.Timer
}

func newWatchdogBody(body io.ReadCloser, timeout time.Duration, timedOut *atomic.Bool, cancel context.CancelFunc) *watchdogBody {
	return &watchdogBody{
		ReadCloser: body,
		timeout:    timeout,
		timer: time.AfterFunc(timeout, func() {
			timedOut.Store(true)
			cancel()
		}),
	}
}

func (b *watchdogBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err == nil {
		b.timer.Reset(b.timeout)
	}

	return n, err
}

func (b *watchdogBody) Close() error {
	b.timer.Stop()

	return b.ReadCloser.Close()
}

// progressReader reports byte counts at a fixed granularity while the body
// streams through it.
type progressReader struct {
	r        io.Reader
	bytes    int64
	step     int64
	nextEmit int64
	emit     func(bytes int64)
}

func newProgressReader(r io.Reader, total int64, emit func(bytes int64)) *progressReader {
	// Every 1% of a known total, every 8 MiB of an unknown one.
	step := int64(8 << 20)
	if total > 0 {
		step = total / 100
		if step < 256<<10 {
			step = 256 << 10
		}
	}

	return &progressReader{r: r, step: step, nextEmit: step, emit: emit}
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.bytes += int64(n)

	if r.bytes >= r.nextEmit {
		r.emit(r.bytes)
		r.nextEmit = r.bytes + r.step
	}

	return n, err
}
