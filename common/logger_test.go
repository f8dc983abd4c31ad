package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLogger(t *testing.T) {
	t.Run("Rejects unknown levels", func(t *testing.T) {
		_, err := SetupLogger("", "verbose", true)
		assert.Error(t, err)
	})

	t.Run("Writes json to the log file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "drivefs.log")
		logger, err := SetupLogger(path, "info", true)
		require.NoError(t, err)

		logger.Debugw("hidden")
		logger.Infow("mounted", "mount_point", "/mnt/drive")
		_ = logger.Sync()

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"msg":"mounted"`)
		assert.Contains(t, string(data), `"mount_point":"/mnt/drive"`)
		assert.NotContains(t, string(data), "hidden")
	})
}
