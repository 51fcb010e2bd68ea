// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httputil wraps net/http with send options, retry/backoff and a
// handful of response predicates used throughout the tracker clients.
package httputil

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-chi/chi"
)

// StatusError occurs when an HTTP request's response code is not accepted.
type StatusError struct {
	Method       string
	URL          string
	Status       int
	ResponseDump string
}

func (e StatusError) Error() string {
	return fmt.Sprintf(
		"%s %s: unexpected status: %d\n%s", e.Method, e.URL, e.Status, e.ResponseDump)
}

// NetworkError occurs when an HTTP request could not be sent, or the client
// could not read the response, e.g. timeouts, connection refused, etc.
type NetworkError struct {
	msg string
}

func (e NetworkError) Error() string {
	return fmt.Sprintf("network error: %s", e.msg)
}

// IsNetworkError returns true if err is a NetworkError.
func IsNetworkError(err error) bool {
	_, ok := err.(NetworkError)
	return ok
}

// IsStatus returns true if err is a StatusError with the given status code.
func IsStatus(err error, status int) bool {
	statusErr, ok := err.(StatusError)
	return ok && statusErr.Status == status
}

// IsNotFound returns true if err is a StatusError with status 404.
func IsNotFound(err error) bool {
	return IsStatus(err, http.StatusNotFound)
}

// IsConflict returns true if err is a StatusError with status 409.
func IsConflict(err error) bool {
	return IsStatus(err, http.StatusConflict)
}

type sendOptions struct {
	transport     http.RoundTripper
	acceptedCodes map[int]bool
	timeout       time.Duration
	body          io.Reader
	tls           *tls.Config
	headers       map[string]string
	fallback      bool
	retryBackoff  backoff.BackOff
	retryCodes    map[int]bool
}

func defaultSendOptions() *sendOptions {
	return &sendOptions{
		acceptedCodes: map[int]bool{},
		fallback:      true,
		retryBackoff:  &backoff.StopBackOff{},
		retryCodes:    map[int]bool{},
	}
}

func (o *sendOptions) isAccepted(status int) bool {
	if len(o.acceptedCodes) == 0 {
		return status >= 200 && status < 300
	}
	return o.acceptedCodes[status]
}

func (o *sendOptions) isRetryable(status int) bool {
	return status >= 500 || o.retryCodes[status]
}

// SendOption configures a Send call.
type SendOption func(*sendOptions)

// SendTransport overrides the http.RoundTripper used to send the request.
func SendTransport(t http.RoundTripper) SendOption {
	return func(o *sendOptions) { o.transport = t }
}

// SendAcceptedCodes overrides which status codes are considered successful.
// Without this option, the 2xx range is accepted.
func SendAcceptedCodes(codes ...int) SendOption {
	return func(o *sendOptions) {
		o.acceptedCodes = make(map[int]bool)
		for _, c := range codes {
			o.acceptedCodes[c] = true
		}
	}
}

// SendTimeout sets the request timeout.
func SendTimeout(timeout time.Duration) SendOption {
	return func(o *sendOptions) { o.timeout = timeout }
}

// SendBody sets the request body.
func SendBody(body io.Reader) SendOption {
	return func(o *sendOptions) { o.body = body }
}

// SendTLS configures the client's TLS transport.
func SendTLS(config *tls.Config) SendOption {
	return func(o *sendOptions) { o.tls = config }
}

// SendHeaders sets request headers.
func SendHeaders(headers map[string]string) SendOption {
	return func(o *sendOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		for k, v := range headers {
			o.headers[k] = v
		}
	}
}

// DisableHTTPFallback disables falling back to plain HTTP when a TLS-backed
// request fails to dial.
func DisableHTTPFallback() SendOption {
	return func(o *sendOptions) { o.fallback = false }
}

// RetryOption configures retry behavior within SendRetry.
type RetryOption func(*sendOptions)

// RetryBackoff sets the backoff.BackOff used between retry attempts.
func RetryBackoff(b backoff.BackOff) RetryOption {
	return func(o *sendOptions) { o.retryBackoff = b }
}

// RetryCodes adds status codes, beyond the default 5xx range, that should be
// retried.
func RetryCodes(codes ...int) RetryOption {
	return func(o *sendOptions) {
		for _, c := range codes {
			o.retryCodes[c] = true
		}
	}
}

// SendRetry enables retries on 5xx responses, any codes added via
// RetryCodes, and network errors. Without SendRetry, a Send call makes
// exactly one attempt.
func SendRetry(retryOptions ...RetryOption) SendOption {
	return func(o *sendOptions) {
		o.retryBackoff = backoff.NewExponentialBackOff()
		for _, opt := range retryOptions {
			opt(o)
		}
	}
}

func newClient(o *sendOptions) *http.Client {
	client := &http.Client{Timeout: o.timeout}
	if o.transport != nil {
		client.Transport = o.transport
	} else if o.tls != nil {
		client.Transport = &http.Transport{TLSClientConfig: o.tls}
	}
	return client
}

func checkResponse(method, rawURL string, resp *http.Response, o *sendOptions) error {
	if o.isAccepted(resp.StatusCode) {
		return nil
	}
	dump, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return StatusError{
		Method:       method,
		URL:          rawURL,
		Status:       resp.StatusCode,
		ResponseDump: string(dump),
	}
}

// Send sends an HTTP request with the given method/url, applying options.
func Send(method, rawURL string, options ...SendOption) (*http.Response, error) {
	o := defaultSendOptions()
	for _, opt := range options {
		opt(o)
	}

	for {
		resp, err := attempt(method, rawURL, o)
		if err == nil {
			return resp, nil
		}

		retryable := IsNetworkError(err) || (func() bool {
			se, ok := err.(StatusError)
			return ok && o.isRetryable(se.Status)
		})()
		if !retryable {
			return nil, err
		}

		wait := o.retryBackoff.NextBackOff()
		if wait == backoff.Stop {
			return nil, err
		}
		time.Sleep(wait)
	}
}

func attempt(method, rawURL string, o *sendOptions) (*http.Response, error) {
	var body io.Reader
	if o.body != nil {
		body = o.body
	}
	req, err := http.NewRequest(method, rawURL, body)
	if err != nil {
		return nil, NetworkError{err.Error()}
	}
	for k, v := range o.headers {
		req.Header.Set(k, v)
	}

	client := newClient(o)
	resp, err := client.Do(req)
	if err != nil {
		return nil, NetworkError{err.Error()}
	}
	if statusErr := checkResponse(method, rawURL, resp, o); statusErr != nil {
		resp.Body.Close()
		return nil, statusErr
	}
	return resp, nil
}

// Get sends a GET request.
func Get(rawURL string, options ...SendOption) (*http.Response, error) {
	return Send("GET", rawURL, options...)
}

// Post sends a POST request.
func Post(rawURL string, options ...SendOption) (*http.Response, error) {
	return Send("POST", rawURL, options...)
}

// PollAccepted polls a GET endpoint via b until a non-202 response is
// received, checking it against the accepted codes.
func PollAccepted(rawURL string, b backoff.BackOff, options ...SendOption) (*http.Response, error) {
	o := defaultSendOptions()
	for _, opt := range options {
		opt(o)
	}

	for {
		resp, err := attemptPoll(rawURL, o)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusAccepted {
			if o.isAccepted(resp.StatusCode) {
				return resp, nil
			}
			dump, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, StatusError{
				Method:       "GET",
				URL:          rawURL,
				Status:       resp.StatusCode,
				ResponseDump: string(dump),
			}
		}
		resp.Body.Close()

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return nil, fmt.Errorf("polling %s: timed out waiting for non-202 response", rawURL)
		}
		time.Sleep(wait)
	}
}

func attemptPoll(rawURL string, o *sendOptions) (*http.Response, error) {
	req, err := http.NewRequest("GET", rawURL, nil)
	if err != nil {
		return nil, NetworkError{err.Error()}
	}
	for k, v := range o.headers {
		req.Header.Set(k, v)
	}
	client := newClient(o)
	resp, err := client.Do(req)
	if err != nil {
		return nil, NetworkError{err.Error()}
	}
	return resp, nil
}

// GetQueryArg returns the value of the named query argument, or defaultValue
// if it is not set.
func GetQueryArg(r *http.Request, arg, defaultValue string) string {
	v := r.URL.Query().Get(arg)
	if v == "" {
		return defaultValue
	}
	return v
}

// ParseParam extracts and unescapes a chi URL parameter, erroring if it is
// not present.
func ParseParam(r *http.Request, name string) (string, error) {
	v := chi.URLParam(r, name)
	if v == "" {
		return "", StatusError{
			Method: r.Method,
			URL:    r.URL.String(),
			Status: http.StatusBadRequest,
			ResponseDump: fmt.Sprintf(
				"param %q not found", name),
		}
	}
	unescaped, err := url.PathUnescape(v)
	if err != nil {
		return "", fmt.Errorf("unescape param %q: %s", name, err)
	}
	return unescaped, nil
}
