package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_Update(t *testing.T) {
	monitor := NewMonitor()

	monitor.Update("store", Status{Status: StatusHealthy, Message: "ok"})

	retrieved, exists := monitor.Get("store")
	require.True(t, exists)
	assert.Equal(t, "store", retrieved.Component)
	assert.False(t, retrieved.Timestamp.IsZero(), "Update should set timestamp if not provided")
}

func TestMonitor_RecordError(t *testing.T) {
	monitor := NewMonitor()
	monitor.UpdateHealthy("binding:jobs", "hydrated")

	monitor.RecordError("binding:jobs", errors.New("write to nats://10.0.0.1:4222 failed"))
	monitor.RecordError("binding:jobs", errors.New("again"))

	status, _ := monitor.Get("binding:jobs")
	assert.True(t, status.IsDegraded())
	assert.Equal(t, 2, status.ErrorCount)

	monitor.UpdateHealthy("binding:jobs", "recovered")
	status, _ = monitor.Get("binding:jobs")
	assert.True(t, status.IsHealthy())
	assert.Equal(t, 2, status.ErrorCount, "error count is carried across updates")
}

func TestSanitizeErrorMessage(t *testing.T) {
	msg := sanitizeErrorMessage("dial nats://user:pw@10.1.2.3:4222 from /var/lib/statesync/db password=hunter2")
	assert.NotContains(t, msg, "10.1.2.3")
	assert.NotContains(t, msg, "/var/lib")
	assert.NotContains(t, msg, "hunter2")
	assert.Equal(t, "", sanitizeErrorMessage(""))
}

func TestAggregate(t *testing.T) {
	assert.True(t, Aggregate("sys", nil).IsHealthy())

	agg := Aggregate("sys", []Status{NewHealthy("a", ""), NewDegraded("b", "")})
	assert.True(t, agg.IsDegraded())
	assert.Len(t, agg.SubStatuses, 2)

	agg = Aggregate("sys", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")})
	assert.True(t, agg.IsUnhealthy())
	assert.False(t, agg.Healthy)
}

func TestMonitor_AggregateSorted(t *testing.T) {
	monitor := NewMonitor()
	monitor.UpdateHealthy("zeta", "")
	monitor.UpdateHealthy("alpha", "")

	agg := monitor.AggregateHealth("statesync")
	require.Len(t, agg.SubStatuses, 2)
	assert.Equal(t, "alpha", agg.SubStatuses[0].Component)
	assert.Equal(t, []string{"alpha", "zeta"}, monitor.ListComponents())

	monitor.Remove("alpha")
	assert.Equal(t, []string{"zeta"}, monitor.ListComponents())
}

func TestMonitor_Handler(t *testing.T) {
	monitor := NewMonitor()
	monitor.UpdateDegraded("store", "lease lost")

	rec := httptest.NewRecorder()
	monitor.Handler("statesync").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var status Status
	require.NoError(t, json.NewDecoder(strings.NewReader(rec.Body.String())).Decode(&status))
	assert.Equal(t, StatusDegraded, status.Status)

	monitor.UpdateUnhealthy("store", "down")
	rec = httptest.NewRecorder()
	monitor.Handler("statesync").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMonitor_NilSafe(t *testing.T) {
	var monitor *Monitor
	assert.NotPanics(t, func() {
		monitor.UpdateHealthy("x", "")
		monitor.RecordError("x", errors.New("e"))
	})
}

func TestMonitor_Concurrent(t *testing.T) {
	monitor := NewMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			monitor.RecordError("store", errors.New("e"))
			_ = monitor.AggregateHealth("sys")
		}()
	}
	wg.Wait()

	status, _ := monitor.Get("store")
	assert.Equal(t, 20, status.ErrorCount)
}
