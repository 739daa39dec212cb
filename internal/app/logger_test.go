package app

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Run("json format emits json records", func(t *testing.T) {
		var buf bytes.Buffer
		newLogger("info", "json", &buf).Info("hello", "k", "v")

		var rec map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		assert.Equal(t, "hello", rec["msg"])
		assert.Equal(t, "v", rec["k"])
	})

	t.Run("level gates output", func(t *testing.T) {
		var buf bytes.Buffer
		log := newLogger("warn", "text", &buf)
		log.Info("quiet")
		assert.Empty(t, buf.String())
		log.Warn("loud")
		assert.Contains(t, buf.String(), "loud")
	})

	t.Run("unknown level falls back to info", func(t *testing.T) {
		var buf bytes.Buffer
		log := newLogger("shouty", "text", &buf)
		log.Debug("hidden")
		assert.Empty(t, buf.String())
		log.Info("shown")
		assert.Contains(t, buf.String(), "shown")
	})
}
