package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector("odacache")

	c.Hit(LayerEphemeral)
	c.Hit(LayerEphemeral)
	c.Miss(LayerPersistent)
	c.Evicted(3)
	c.WorkerResponse("cache-first", "cache")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.hits.WithLabelValues(LayerEphemeral)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.misses.WithLabelValues(LayerPersistent)))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.evicted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.worker.WithLabelValues("cache-first", "cache")))
}

func TestOrDefaultsToNoop(t *testing.T) {
	assert.Equal(t, Noop{}, Or(nil))
	c := NewCollector("x")
	assert.Same(t, c, Or(c))
}
