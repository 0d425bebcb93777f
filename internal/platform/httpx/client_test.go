// SPDX-License-Identifier: MIT

package httpx

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func TestNewClientDefaults(t *testing.T) {
	client := NewClient(0)
	require.Equal(t, defaultClientTimeout, client.Timeout)

	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok, "transport type = %T", client.Transport)
	require.Equal(t, defaultMaxIdleConns, transport.MaxIdleConns)
	require.Equal(t, defaultMaxIdleConnsPerHost, transport.MaxIdleConnsPerHost)
	require.Equal(t, defaultIdleConnTimeout, transport.IdleConnTimeout)
}

func TestNewClientCapsPhaseTimeouts(t *testing.T) {
	client := NewClient(30 * time.Second)
	transport := client.Transport.(*http.Transport)
	require.Equal(t, defaultDialTimeout, transport.TLSHandshakeTimeout)
	require.Equal(t, defaultResponseHeaderTimeout, transport.ResponseHeaderTimeout)
}

func TestNewClientShortTimeoutWinsEverywhere(t *testing.T) {
	want := 1500 * time.Millisecond
	client := NewClient(want)
	transport := client.Transport.(*http.Transport)
	require.Equal(t, want, client.Timeout)
	require.Equal(t, want, transport.TLSHandshakeTimeout)
	require.Equal(t, want, transport.ResponseHeaderTimeout)
}

func TestNewTracingClientWrapsTransport(t *testing.T) {
	client := NewTracingClient(5 * time.Second)
	require.Equal(t, 5*time.Second, client.Timeout)
	_, ok := client.Transport.(*otelhttp.Transport)
	require.True(t, ok, "transport type = %T", client.Transport)
}
