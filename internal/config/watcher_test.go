package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnFileChange(t *testing.T) {
	path := writeTempConfig(t, `
[bus]
max_queue_size = 100
`)

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 100, w.Current().Bus.MaxQueueSize)

	changed := make(chan Settings, 1)
	w.OnChange(func(s Settings) { changed <- s })

	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(`
[bus]
max_queue_size = 500
`), 0o644))

	select {
	case s := <-changed:
		assert.Equal(t, 500, s.Bus.MaxQueueSize)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}

	assert.Equal(t, 500, w.Current().Bus.MaxQueueSize)
}

func TestWatcherKeepsPreviousSettingsOnBadEdit(t *testing.T) {
	path := writeTempConfig(t, `
[store]
path = "good.db"
`)

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(`not valid toml [[[`), 0o644))
	time.Sleep(500 * time.Millisecond)

	assert.Equal(t, "good.db", w.Current().Store.Path)
}
