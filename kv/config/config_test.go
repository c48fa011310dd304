package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, NewDefaultConfig().Validate())
	require.NoError(t, NewTestConfig().Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	conf := NewDefaultConfig()
	conf.DBPath = ""
	require.Error(t, conf.Validate())

	conf = NewDefaultConfig()
	conf.PageSize = 100
	require.Error(t, conf.Validate())

	conf = NewDefaultConfig()
	conf.PageSize = 3000 // not a power of two
	require.Error(t, conf.Validate())

	conf = NewDefaultConfig()
	conf.BufferPoolSize = "lots"
	require.Error(t, conf.Validate())

	conf = NewDefaultConfig()
	conf.LongValueThreshold = conf.PageSize
	require.Error(t, conf.Validate())
}

func TestPoolPages(t *testing.T) {
	conf := NewDefaultConfig()
	conf.PageSize = 4096
	conf.BufferPoolSize = "4MB"
	pages, err := conf.PoolPages()
	require.NoError(t, err)
	require.Equal(t, 1024, pages)

	// Tiny pools are clamped to a workable minimum.
	conf.BufferPoolSize = "4KB"
	pages, err = conf.PoolPages()
	require.NoError(t, err)
	require.Equal(t, 8, pages)
}

func TestFromFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "unikv-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "unikv.toml")
	content := `
db-path = "/data/unikv"
page-size = 8192
buffer-pool-size = "128MB"
long-value-threshold = 2048
flush-interval = "2s"
checkpoint-interval = "1m"
`
	require.NoError(t, ioutil.WriteFile(path, []byte(content), 0644))

	conf, err := FromFile(path)
	require.NoError(t, err)
	require.Equal(t, "/data/unikv", conf.DBPath)
	require.Equal(t, 8192, conf.PageSize)
	require.Equal(t, "128MB", conf.BufferPoolSize)
	require.Equal(t, 2*time.Second, conf.FlushInterval.Duration)
	require.Equal(t, time.Minute, conf.CheckpointInterval.Duration)
}
