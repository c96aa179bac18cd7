package store

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/ctxstore/pkg/record"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	s := openTestStore(t, "", WithMetrics(m))

	appendN(t, s, CategoryDecisions, 2)
	_, err := s.Append(context.Background(), CategoryConversations, &record.Conversation{Summary: "mail dev@example.com"})
	require.NoError(t, err)
	_, err = s.ReadTail(context.Background(), CategoryDecisions, 1)
	require.NoError(t, err)
	_, err = s.HealthCheck(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.appendsTotal.WithLabelValues(CategoryDecisions, statusSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.piiFindingsTotal.WithLabelValues(CategoryConversations, "email")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.healthChecksTotal.WithLabelValues(string(StatusHealthy))))
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.readsTotal.WithLabelValues(CategoryDecisions, string(StrategyLoad))), 1.0)
	assert.Greater(t, testutil.ToFloat64(m.fileSizeBytes.WithLabelValues(CategoryDecisions)), 0.0)

	n, err := testutil.GatherAndCount(reg, "ctxstore_appends_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per category and status")
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.recordAppend("x", nil, 1, 1, 0)
		m.recordLockWait("x", 0)
		m.recordLockTimeout("x")
		m.recordStaleLock("x")
		m.recordTornTail("x")
		m.recordFindings("x", nil)
		m.recordDiagnostics("x", nil)
		m.recordRead("x", StrategyLoad)
		m.recordHealth(StatusHealthy)
	})
}
