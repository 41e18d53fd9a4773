package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zanzrukiav/SearchServices/internal/models"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	assert.Error(t, Register(reg))
}

func TestTracker_Records(t *testing.T) {
	m := For("metrics-test", models.TrackerMetadata)

	m.SetFloor(42)
	assert.Equal(t, 42.0, testutil.ToFloat64(Floor.WithLabelValues("metrics-test", "metadata")))

	m.Applied(3, 1)
	m.Applied(0, 0)
	assert.Equal(t, 3.0, testutil.ToFloat64(Items.WithLabelValues("metrics-test", "metadata", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(Items.WithLabelValues("metrics-test", "metadata", "failure")))

	m.CycleDone("completed", 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(Cycles.WithLabelValues("metrics-test", "metadata", "completed")))

	m.SetDeferred(4, 1)
	assert.Equal(t, 4.0, testutil.ToFloat64(Deferred.WithLabelValues("metrics-test", "pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(Deferred.WithLabelValues("metrics-test", "stuck")))

	m.ContentGroup(5, time.Second)
	assert.Equal(t, 5.0, testutil.ToFloat64(ContentDocs.WithLabelValues("metrics-test")))
}
