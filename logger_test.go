package mvstore_test

import (
	"testing"

	"github.com/hupe1980/mvstore"
	"github.com/hupe1980/mvstore/datatype"
	"github.com/hupe1980/mvstore/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerEvents(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	fsys := fs.NewMemFS()
	st := openFile(t, fsys, mvstore.WithLogger(mvstore.NewLogger(core)))

	m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	putRange(t, m, 0, 10)
	_, err = st.Commit()
	require.NoError(t, err)
	require.NoError(t, st.RemoveMap("data"))
	require.NoError(t, st.Close())

	opened := logs.FilterMessage("store opened").All()
	require.Len(t, opened, 1)
	assert.Equal(t, fileName, opened[0].ContextMap()["file"])

	commits := logs.FilterMessage("commit completed").All()
	require.Len(t, commits, 2)
	assert.Equal(t, int64(1), commits[0].ContextMap()["version"])
	assert.Equal(t, int64(2), commits[1].ContextMap()["version"])

	removed := logs.FilterMessage("map removed").All()
	require.Len(t, removed, 1)
	assert.Equal(t, "data", removed[0].ContextMap()["map"])
}

func TestLoggerOpenFailure(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	_, err := mvstore.Open("missing/data.mv",
		mvstore.WithFileSystem(fs.NewMemFS()),
		mvstore.ReadOnly(),
		mvstore.WithLogger(mvstore.NewLogger(core)))
	require.Error(t, err)
	assert.Equal(t, 1, logs.FilterMessage("open failed").Len())
}
