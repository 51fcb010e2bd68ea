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
package httputil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-chi/chi"
	"github.com/stretchr/testify/require"
)

func newTestServer(handler http.HandlerFunc) *httptest.Server {
	return httptest.NewServer(handler)
}

// codeSequence returns a handler that replies with codes[0], codes[1], ...
// on successive requests, repeating the final code thereafter.
func codeSequence(codes ...int) http.HandlerFunc {
	var i int32
	return func(w http.ResponseWriter, r *http.Request) {
		idx := atomic.AddInt32(&i, 1) - 1
		code := codes[len(codes)-1]
		if int(idx) < len(codes) {
			code = codes[idx]
		}
		w.WriteHeader(code)
	}
}

func TestSendOptions(t *testing.T) {
	server := newTestServer(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "bar", r.Header.Get("foo"))
		w.WriteHeader(http.StatusOK)
	})
	defer server.Close()

	resp, err := Send(
		"GET", server.URL,
		SendHeaders(map[string]string{"foo": "bar"}),
		SendTimeout(5*time.Second))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSendAcceptedCodes(t *testing.T) {
	server := newTestServer(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	defer server.Close()

	_, err := Send("GET", server.URL)
	require.Error(t, err)
	require.True(t, IsStatus(err, http.StatusConflict))

	resp, err := Send("GET", server.URL, SendAcceptedCodes(http.StatusConflict))
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSendRetryOn5XX(t *testing.T) {
	server := newTestServer(codeSequence(http.StatusInternalServerError, http.StatusOK))
	defer server.Close()

	resp, err := Send("GET", server.URL, SendRetry(RetryBackoff(backoff.NewConstantBackOff(time.Millisecond))))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSendNoRetryWithoutSendRetry(t *testing.T) {
	server := newTestServer(codeSequence(http.StatusInternalServerError, http.StatusOK))
	defer server.Close()

	_, err := Send("GET", server.URL)
	require.True(t, IsStatus(err, http.StatusInternalServerError))
}

func TestSendRetryWithCodes(t *testing.T) {
	server := newTestServer(codeSequence(http.StatusBadRequest, http.StatusServiceUnavailable, http.StatusNotFound))
	defer server.Close()

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
	_, err := Send("GET", server.URL, SendRetry(RetryBackoff(b), RetryCodes(http.StatusBadRequest, http.StatusNotFound)))
	require.Error(t, err)
	require.Equal(t, http.StatusNotFound, err.(StatusError).Status)
}

func TestSendRetryOnTransportErrors(t *testing.T) {
	server := newTestServer(func(w http.ResponseWriter, r *http.Request) {})
	addr := server.URL
	server.Close() // connecting to a closed listener is a network error

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
	_, err := Send("GET", addr, SendRetry(RetryBackoff(b)))
	require.Error(t, err)
	require.True(t, IsNetworkError(err))
}

func TestPollAccepted(t *testing.T) {
	server := newTestServer(codeSequence(http.StatusAccepted, http.StatusAccepted, http.StatusOK))
	defer server.Close()

	resp, err := PollAccepted(server.URL, backoff.NewConstantBackOff(time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPollAcceptedStatusError(t *testing.T) {
	server := newTestServer(codeSequence(http.StatusAccepted, http.StatusNotFound))
	defer server.Close()

	_, err := PollAccepted(server.URL, backoff.NewConstantBackOff(time.Millisecond))
	require.Error(t, err)
	require.True(t, IsNotFound(err))
}

func TestPollAcceptedBackoffTimeout(t *testing.T) {
	server := newTestServer(codeSequence(http.StatusAccepted))
	defer server.Close()

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
	_, err := PollAccepted(server.URL, b)
	require.Error(t, err)
}

func TestGetQueryArg(t *testing.T) {
	r, err := http.NewRequest("GET", "http://example.com?foo=bar", nil)
	require.NoError(t, err)
	require.Equal(t, "bar", GetQueryArg(r, "foo", "default"))
}

func TestGetQueryArgUseDefault(t *testing.T) {
	r, err := http.NewRequest("GET", "http://example.com", nil)
	require.NoError(t, err)
	require.Equal(t, "default", GetQueryArg(r, "foo", "default"))
}

func withChiParam(name, value string) *http.Request {
	r, _ := http.NewRequest("GET", "http://example.com", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(name, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestParseParam(t *testing.T) {
	r := withChiParam("name", "foo")
	v, err := ParseParam(r, "name")
	require.NoError(t, err)
	require.Equal(t, "foo", v)
}

func TestParseParamNotFound(t *testing.T) {
	r := withChiParam("name", "")
	_, err := ParseParam(r, "name")
	require.Error(t, err)
}

func TestParseParamUnescapeError(t *testing.T) {
	r := withChiParam("name", "value%")
	_, err := ParseParam(r, "name")
	require.Error(t, err)
}
