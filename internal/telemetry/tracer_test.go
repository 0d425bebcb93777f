// SPDX-License-Identifier: MIT

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	p, err := Setup(context.Background(), Config{})
	require.NoError(t, err)

	// Spans must be creatable and free even with nothing configured.
	_, span := Tracer("test").Start(context.Background(), "noop-check")
	span.End()

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSetupRejectsUnknownProtocol(t *testing.T) {
	_, err := Setup(context.Background(), Config{
		Endpoint: "localhost:4317",
		Protocol: "carrier-pigeon",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestShutdownOnZeroProvider(t *testing.T) {
	var p Provider
	assert.NoError(t, p.Shutdown(context.Background()))
}
