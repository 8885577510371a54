package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLog(t *testing.T, path string) *AppendLog {
	t.Helper()
	l, err := OpenAppendLog(path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func scanAll(t *testing.T, l *AppendLog) []string {
	t.Helper()
	var out []string
	require.NoError(t, l.Scan(func(record []byte) bool {
		out = append(out, string(record))
		return true
	}))
	return out
}

func TestAppendLog_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	l := openLog(t, path)

	require.NoError(t, l.Append([]byte(`{"n":1}`)))
	require.NoError(t, l.Append([]byte(`{"n":2}`)))
	require.NoError(t, l.Append([]byte(`{"n":3}`)))

	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, scanAll(t, l))
}

func TestAppendLog_RejectsEmbeddedNewline(t *testing.T) {
	l := openLog(t, filepath.Join(t.TempDir(), "events.log"))
	assert.Error(t, l.Append([]byte("{\"a\":1}\n{\"b\":2}")))
}

func TestAppendLog_TornTailDiscardedOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	l := openLog(t, path)
	require.NoError(t, l.Append([]byte(`{"n":1}`)))
	require.NoError(t, l.Append([]byte(`{"n":2}`)))
	require.NoError(t, l.Close())

	// Simulate a crash mid-append: a record with no trailing newline.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"n":3`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened := openLog(t, path)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, scanAll(t, reopened))

	// The durable prefix accepts new appends after recovery.
	require.NoError(t, reopened.Append([]byte(`{"n":4}`)))
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":4}`}, scanAll(t, reopened))
}

func TestAppendLog_InvalidJSONLineStopsReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	require.NoError(t, os.WriteFile(path, []byte("{\"n\":1}\nnot json at all\n{\"n\":2}\n"), 0o644))

	l := openLog(t, path)
	// Everything from the first corrupt line on is gone.
	assert.Equal(t, []string{`{"n":1}`}, scanAll(t, l))
}
