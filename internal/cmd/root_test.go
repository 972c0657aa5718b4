package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate keeps user config files and OCRFLEET_* variables out of the test.
func isolate(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("OCRFLEET_CONFIG", "")
	t.Chdir(home)
}

// resetFlags restores every flag of c and its subcommands to its default.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.PersistentFlags().VisitAll(reset)
	c.Flags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	isolate(t)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		resetFlags(rootCmd)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSetVersionInfo(t *testing.T) {
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer func() {
		versionInfo.Version = origVersion
		versionInfo.Commit = origCommit
		versionInfo.BuildDate = origBuildDate
	}()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{
			name:      "set all values",
			version:   "1.0.0",
			commit:    "abc123",
			buildDate: "2024-01-15",
		},
		{
			name:      "set dev version",
			version:   "dev",
			commit:    "HEAD",
			buildDate: "unknown",
		},
		{
			name:      "set empty values",
			version:   "",
			commit:    "",
			buildDate: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestExitCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"plain error", errors.New("boom"), 1},
		{"exit error", exitError(foundry.ExitInvalidArgument, "bad", errors.New("x")), foundry.ExitInvalidArgument},
		{"wrapped exit error", errors.Join(errors.New("ctx"), exitError(foundry.ExitSignalInt, "stop", context.Canceled)), foundry.ExitSignalInt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCodeOf(tt.err))
		})
	}
}

func TestExitError_Unwrap(t *testing.T) {
	err := exitError(foundry.ExitSignalInt, "Manager aborted", context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "Manager aborted")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "ocrfleet "+versionInfo.Version)
}

func TestConfigShow(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		out, err := execute(t, "config", "show")
		require.NoError(t, err)
		assert.Contains(t, out, "submissions: localAppToManagerQueue")
		assert.Contains(t, out, "ceiling: 18")
		assert.Contains(t, out, "wait_time: 10s")
	})

	t.Run("flags override", func(t *testing.T) {
		out, err := execute(t, "config", "show", "--region", "eu-west-1", "-v")
		require.NoError(t, err)
		assert.Contains(t, out, "region: eu-west-1")
		assert.Contains(t, out, "level: debug")
	})

	t.Run("secrets omitted", func(t *testing.T) {
		t.Setenv("OCRFLEET_AWS_ACCESS_KEY_ID", "AKIAEXAMPLEKEY")
		t.Setenv("OCRFLEET_AWS_SECRET_ACCESS_KEY", "hunter2")
		out, err := execute(t, "config", "show")
		require.NoError(t, err)
		assert.NotContains(t, out, "AKIAEXAMPLEKEY")
		assert.NotContains(t, out, "hunter2")
	})

	t.Run("half credentials rejected", func(t *testing.T) {
		t.Setenv("OCRFLEET_AWS_SECRET_ACCESS_KEY", "hunter2")
		_, err := execute(t, "config", "show")
		require.Error(t, err)
		assert.Equal(t, foundry.ExitInvalidArgument, exitCodeOf(err))
	})

	t.Run("invalid config", func(t *testing.T) {
		_, err := execute(t, "config", "show", "--log-format", "xml")
		require.Error(t, err)
		assert.Equal(t, foundry.ExitInvalidArgument, exitCodeOf(err))
	})

	t.Run("missing config file", func(t *testing.T) {
		_, err := execute(t, "config", "show", "--config", "/nonexistent/ocrfleet.yaml")
		require.Error(t, err)
		assert.Equal(t, foundry.ExitInvalidArgument, exitCodeOf(err))
	})
}

func TestManagerCommandRequiresImage(t *testing.T) {
	_, err := execute(t, "manager")
	require.Error(t, err)
}
