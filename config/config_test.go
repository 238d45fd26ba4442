package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nvmesim/nvmesim/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Load(t *testing.T) {
	l := test.NewLogger()
	dir, err := os.MkdirTemp("", "config-load")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "01.yaml"), []byte("outer:\n  inner: hi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "02.yml"), []byte("outer:\n  inner: override\nnew: hi"), 0o644))

	c := NewC(l)
	require.NoError(t, c.Load(dir))

	expected := map[string]any{
		"outer": map[string]any{
			"inner": "override",
		},
		"new": "hi",
	}
	assert.Equal(t, expected, c.Settings)
}

func TestConfig_LoadString(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)
	assert.Error(t, c.LoadString("  invalid yaml"))

	c = NewC(l)
	require.NoError(t, c.LoadString("watcher:\n  change_check_interval: 5ms"))
	assert.Equal(t, 5*time.Millisecond, c.GetDuration("watcher.change_check_interval", 0))
}

func TestConfig_Get(t *testing.T) {
	l := test.NewLogger()
	// test simple type
	c := NewC(l)
	c.Settings["main"] = map[string]any{"single_threaded": "true"}
	assert.Equal(t, "true", c.Get("main.single_threaded"))

	// test complex type
	inner := []map[string]any{{"id": "1", "size": "2"}}
	c.Settings["main"] = map[string]any{"queues": inner}
	assert.EqualValues(t, inner, c.Get("main.queues"))

	// test missing
	assert.Nil(t, c.Get("main.nope"))
}

func TestConfig_LoadSingleFile(t *testing.T) {
	l := test.NewLogger()
	dir, err := os.MkdirTemp("", "config-load-file")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	file := filepath.Join(dir, "controller.yml")
	require.NoError(t, os.WriteFile(file, []byte("main:\n  single_threaded: true"), 0o644))

	c := NewC(l)
	require.NoError(t, c.Load(file))
	assert.True(t, c.GetBool("main.single_threaded", false))

	// a missing path is an error, not an empty config
	c = NewC(l)
	assert.Error(t, c.Load(filepath.Join(dir, "nope.yml")))
}

func TestConfig_GetBool(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)
	c.Settings["bool"] = true
	assert.Equal(t, true, c.GetBool("bool", false))

	c.Settings["bool"] = "true"
	assert.Equal(t, true, c.GetBool("bool", false))

	c.Settings["bool"] = false
	assert.Equal(t, false, c.GetBool("bool", true))

	c.Settings["bool"] = "false"
	assert.Equal(t, false, c.GetBool("bool", true))

	c.Settings["bool"] = "Y"
	assert.Equal(t, true, c.GetBool("bool", false))

	c.Settings["bool"] = "yEs"
	assert.Equal(t, true, c.GetBool("bool", false))

	c.Settings["bool"] = "N"
	assert.Equal(t, false, c.GetBool("bool", true))

	c.Settings["bool"] = "nO"
	assert.Equal(t, false, c.GetBool("bool", true))
}

func TestConfig_GetUint64(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)
	c.Settings["size"] = "16777216"
	assert.Equal(t, uint64(16777216), c.GetUint64("size", 0))

	c.Settings["size"] = "not a number"
	assert.Equal(t, uint64(42), c.GetUint64("size", 42))
}

func TestConfig_HasChanged(t *testing.T) {
	l := test.NewLogger()
	// No reload has occurred, return false
	c := NewC(l)
	c.Settings["test"] = "hi"
	assert.False(t, c.HasChanged(""))

	// Test key change
	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "no"}
	assert.True(t, c.HasChanged("test"))
	assert.True(t, c.HasChanged(""))

	// No key change
	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "hi"}
	assert.False(t, c.HasChanged("test"))
	assert.False(t, c.HasChanged(""))
}

func TestConfig_ReloadConfigString(t *testing.T) {
	l := test.NewLogger()
	done := make(chan bool, 1)

	c := NewC(l)
	assert.Nil(t, c.LoadString("outer:\n  inner: hi"))

	assert.False(t, c.HasChanged("outer.inner"))
	assert.False(t, c.HasChanged("outer"))
	assert.False(t, c.HasChanged(""))

	c.RegisterReloadCallback(func(c *C) {
		done <- true
	})

	require.NoError(t, c.ReloadConfigString("outer:\n  inner: ho"))
	assert.True(t, c.HasChanged("outer.inner"))
	assert.True(t, c.HasChanged("outer"))
	assert.True(t, c.HasChanged(""))

	// Make sure we call the callbacks
	select {
	case <-done:
	case <-time.After(1 * time.Second):
		panic("timeout")
	}
}
