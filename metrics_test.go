package mvstore_test

import (
	"testing"

	"github.com/hupe1980/mvstore"
	"github.com/hupe1980/mvstore/datatype"
	"github.com/hupe1980/mvstore/internal/fs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasicMetricsCollector(t *testing.T) {
	fsys := fs.NewMemFS()
	metrics := &mvstore.BasicMetricsCollector{}
	st := openFile(t, fsys, mvstore.WithMaxPageEntries(8), mvstore.WithMetricsCollector(metrics))
	m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	putRange(t, m, 0, 100)
	_, err = st.Commit()
	require.NoError(t, err)
	require.NoError(t, st.Close())

	stats := metrics.GetStats()
	assert.Equal(t, int64(1), stats.CommitCount)
	assert.Zero(t, stats.CommitErrors)
	assert.Positive(t, stats.CommitPages)
	assert.Positive(t, stats.CommitBytes)

	st = openFile(t, fsys, mvstore.WithMetricsCollector(metrics))
	defer st.Close()
	m, err = mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	for range 2 {
		for i := range int64(100) {
			_, _, err := m.Get(i)
			require.NoError(t, err)
		}
	}
	stats = metrics.GetStats()
	assert.Positive(t, stats.PageReads)
	assert.Positive(t, stats.PageReadBytes)
	assert.Positive(t, stats.PageCacheHits)
}

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	pc, err := mvstore.NewPrometheusCollector(reg)
	require.NoError(t, err)

	st := openMemory(t, mvstore.WithMetricsCollector(pc))
	m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	putRange(t, m, 0, 10)
	_, err = st.Commit()
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg, "mvstore_operation_latency_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	count, err = testutil.GatherAndCount(reg, "mvstore_commit_pages_total", "mvstore_commit_bytes_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Registering twice fails.
	_, err = mvstore.NewPrometheusCollector(reg)
	assert.Error(t, err)
}
