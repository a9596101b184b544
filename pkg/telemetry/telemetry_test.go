package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackflow/stackflow/pkg/poll"
)

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.NoError(t, DevelopmentConfig().Validate())

	cfg := DefaultConfig()
	cfg.Logging.Level = "loud"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	assert.ErrorContains(t, cfg.Validate(), "endpoint")

	cfg = DefaultConfig()
	cfg.Tracing.SamplingRate = 2
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.ServiceName = ""
	assert.Error(t, cfg.Validate())
}

func TestLoggerFlowFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.NewComponentLogger("engine").
		WithFlowID("f-1").
		WithResourceID("cluster-1").
		WithState("upscale", "Validate").
		WithError(errors.New("boom")).
		Warn("step failed")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "engine", line["component"])
	assert.Equal(t, "f-1", line["flow_id"])
	assert.Equal(t, "cluster-1", line["resource_id"])
	assert.Equal(t, "upscale", line["definition"])
	assert.Equal(t, "Validate", line["state"])
	assert.Equal(t, "boom", line["error"])
	assert.Equal(t, "warn", line["level"])
}

func TestLoggerLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	assert.Zero(t, buf.Len())
}

func TestLoggerContext(t *testing.T) {
	logger := Nop()
	ctx := logger.WithContext(context.Background())
	assert.Same(t, logger, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestMetricsRecorders(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	require.NoError(t, err)

	m.RecordFlowStarted("upscale")
	m.RecordFlowCompleted("upscale", "succeeded", 3*time.Second)
	m.RecordTransition("upscale", "AddInstances", "SUCCESS")
	m.RecordStep("upscale", "AddInstances", time.Second)
	m.ObserveProbe("instances-running", poll.OutcomePending)
	m.ObserveProbe("instances-running", poll.OutcomePending)
	m.RecordRetry("find-cluster")
	m.RecordNotification("log", nil)
	m.RecordNotification("nats", errors.New("down"))
	m.RecordError("permanent")
	m.SetActiveFlows(2)
	m.SetStalledFlows(1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.flowsStarted.WithLabelValues("upscale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.flowsCompleted.WithLabelValues("upscale", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("upscale", "AddInstances", "SUCCESS")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.pollProbes.WithLabelValues("instances-running", "pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("nats", "failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.activeFlows))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stalledFlows))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stackflow_flows_started_total")
}

func TestDisabledMetricsAreNoops(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		m.RecordFlowStarted("upscale")
		m.ObserveProbe("task", poll.OutcomeSucceeded)
		m.SetStalledFlows(3)
	})
	assert.Nil(t, m.Registry())

	var nilMetrics *Metrics
	assert.NotPanics(t, func() { nilMetrics.RecordRetry("x") })
}

func TestTracerSpans(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "none"

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	require.NoError(t, err)
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	ctx, span := tracer.StartFlowSpan(context.Background(), "f-1", "cluster-1", "upscale")
	_, step := tracer.StartStepSpan(ctx, "f-1", "upscale", "Init")
	RecordSuccess(step)
	step.End()
	RecordError(span, errors.New("boom"))
	span.End()

	assert.NotEmpty(t, TraceID(ctx))
	assert.Empty(t, TraceID(context.Background()))
}
