package logcapture

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_DisabledGoesToDevNull(t *testing.T) {
	f, sink, err := Open(t.TempDir(), false)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, "", sink.Path)

	_, err = sink.Read()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpen_EnabledCreatesReadableFile(t *testing.T) {
	dir := t.TempDir()
	f, sink, err := Open(dir, true)
	require.NoError(t, err)

	_, err = f.WriteString("hello from worker\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, err := sink.Read()
	require.NoError(t, err)
	assert.Equal(t, "hello from worker\n", string(data))
}

func TestSink_RemoveIsNoopWhenDisabled(t *testing.T) {
	var s Sink
	assert.NoError(t, s.Remove())
}

func TestSink_RemoveDeletesFile(t *testing.T) {
	dir := t.TempDir()
	_, sink, err := Open(dir, true)
	require.NoError(t, err)

	require.NoError(t, sink.Remove())
	_, err = os.Stat(sink.Path)
	assert.True(t, os.IsNotExist(err))

	_, readErr := sink.Read()
	assert.Error(t, readErr)
}
