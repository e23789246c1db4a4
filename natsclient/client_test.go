package natsclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserrors "github.com/c360/statesync/errors"
	"github.com/c360/statesync/metric"
)

func TestConnectionStatus_String(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
}

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
	assert.Equal(t, time.Second, c.Backoff())
}

func TestNewClient_OptionError(t *testing.T) {
	_, err := NewClient("nats://x", func(*Client) error { return errors.New("bad option") })
	require.Error(t, err)
	assert.True(t, sserrors.IsInvalid(err))
}

func TestClient_WithMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c, err := NewClient("nats://x", WithMetrics(registry))
	require.NoError(t, err)
	assert.NotNil(t, c.buckets)
	assert.NotNil(t, c.metrics)
}

func TestClient_CircuitBreakerOpens(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1", WithCircuitBreakerThreshold(2))
	require.NoError(t, err)

	c.recordFailure()
	assert.Equal(t, StatusDisconnected, c.Status())
	c.recordFailure()
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.Equal(t, 2*time.Second, c.Backoff())

	assert.ErrorIs(t, c.Connect(context.Background()), ErrCircuitOpen)
	_, err = c.JetStream()
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestClient_NotConnected(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1")
	require.NoError(t, err)

	_, err = c.JetStream()
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_CloseIdempotent(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1")
	require.NoError(t, err)

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
	assert.ErrorIs(t, c.Connect(context.Background()), sserrors.ErrClosed)
}

func TestIsKVErrors(t *testing.T) {
	assert.True(t, IsKVNotFoundError(ErrKVKeyNotFound))
	assert.True(t, IsKVNotFoundError(errors.New("nats: key not found")))
	assert.False(t, IsKVNotFoundError(nil))

	assert.True(t, IsKVConflictError(ErrKVRevisionMismatch))
	assert.True(t, IsKVConflictError(errors.New("wrong last sequence: 4")))
	assert.False(t, IsKVConflictError(errors.New("timeout")))
}
