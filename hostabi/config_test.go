package hostabi

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlagsRequiresPortOrDevice(t *testing.T) {
	_, err := ParseFlags([]string{"rild"})
	assert.Error(t, err)
}

func TestParseFlagsAcceptsDeviceOnly(t *testing.T) {
	cfg, err := ParseFlags([]string{"rild", "-d", "/dev/ttyUSB0"})
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", cfg.PrimaryTTY)
	assert.Equal(t, "rmnet0", cfg.Interface)
	assert.Equal(t, 10*time.Minute, cfg.DefaultTimeout)
}

func TestParseFlagsAcceptsPortOnly(t *testing.T) {
	cfg, err := ParseFlags([]string{"rild", "-p", "12345"})
	require.NoError(t, err)
	assert.Equal(t, 12345, cfg.Port)
	assert.Equal(t, "localhost", cfg.Host)
}

func TestParseFlagsLoadsYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rild.yaml")
	require.NoError(t, os.WriteFile(path, []byte("post_sim_init:\n  - \"+CMGF=0\"\n"), 0o644))

	cfg, err := ParseFlags([]string{"rild", "-d", "/dev/ttyUSB0", "-c", path})
	require.NoError(t, err)
	assert.Equal(t, []string{"+CMGF=0"}, cfg.PostSIMInit)
}

func TestParseFlagsRejectsMissingConfigFile(t *testing.T) {
	_, err := ParseFlags([]string{"rild", "-d", "/dev/ttyUSB0", "-c", "/nonexistent/rild.yaml"})
	assert.Error(t, err)
}
