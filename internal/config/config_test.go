package config

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/asmase-go/asmase/pkg/instance"
)

func TestDefaultHasWarnLevelAndNonZeroGeometry(t *testing.T) {
	cfg := Default()
	assert.Equal(t, cfg.LogLevel, "warn")
	assert.Assert(t, cfg.SCPPages > 0)
	assert.Assert(t, cfg.CodeMax > 0)
}

func TestLoadEmptyPathReturnsDefault(t *testing.T) {
	cfg, err := Load("")
	assert.NilError(t, err)
	assert.DeepEqual(t, cfg, Default())
}

func TestLoadRejectsMismatchedSCPGeometry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "asmase.toml")
	contents := "scp_pages = 999\ncode_max = 4096\nlog_level = \"warn\"\n"
	assert.NilError(t, os.WriteFile(path, []byte(contents), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "scp_pages")
}

func TestLoadValidFileRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "asmase.toml")
	def := Default()
	contents := "scp_pages = " + itoa(def.SCPPages) + "\n" +
		"code_max = " + itoa(def.CodeMax) + "\n" +
		"default_sandbox = [\"fds\", \"syscalls\"]\n" +
		"log_level = \"debug\"\n"
	assert.NilError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	assert.NilError(t, err)
	assert.Equal(t, cfg.LogLevel, "debug")
	assert.DeepEqual(t, cfg.DefaultSandbox, []string{"fds", "syscalls"})

	flags, err := cfg.SandboxFlags()
	assert.NilError(t, err)
	assert.Equal(t, flags, instance.SandboxFds|instance.SandboxSyscalls)
}

func TestSandboxFlagsRejectsUnknownName(t *testing.T) {
	cfg := Default()
	cfg.DefaultSandbox = []string{"bogus"}
	_, err := cfg.SandboxFlags()
	assert.ErrorContains(t, err, "bogus")
}

func TestLoggerParsesLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "error"
	log, err := cfg.Logger()
	assert.NilError(t, err)
	assert.Equal(t, log.Logger.GetLevel().String(), "error")
}

func TestLoggerRejectsUnknownLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "not-a-level"
	_, err := cfg.Logger()
	assert.ErrorContains(t, err, "log_level")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
