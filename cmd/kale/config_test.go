package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/kale-workflow/kale/internal/model"
)

func TestLoadConfig_StoresDefaults(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "kale", configName)

	cfg, used, err := loadConfig("", path)
	require.NoError(t, err)
	require.Equal(t, path, used)
	require.Equal(t, model.DefaultConfig(context.Background()), cfg)
	require.True(t, exists(path))

	// the stored defaults load back unchanged
	loaded, used, err := loadConfig(path, "")
	require.NoError(t, err)
	require.Equal(t, path, used)
	require.Equal(t, cfg, loaded)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), configName)
	require.NoError(t, os.WriteFile(path, []byte("version: 0\nmanager:\n  port: 70000\n"), 0o644))

	_, _, err := loadConfig(path, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "parsing config")
}

func TestFindConfig(t *testing.T) {
	dir := t.TempDir()
	require.Equal(t, "", findConfig("", dir))

	path := filepath.Join(dir, configName)
	require.NoError(t, os.WriteFile(path, []byte("version: 0\n"), 0o644))
	require.Equal(t, path, findConfig("", t.TempDir(), dir))
	require.Equal(t, "/etc/kale.yaml", findConfig("/etc/kale.yaml", dir))

	t.Setenv(configEnv, "/from/env.yaml")
	require.Equal(t, "/from/env.yaml", findConfig("/etc/kale.yaml", dir))
}

func testCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{
		Use: "worker",
		Annotations: map[string]string{
			"port":         "worker.port",
			"manager-host": "manager.host",
		},
	}
	cmd.Flags().Int("port", 0, "")
	cmd.Flags().String("manager-host", "", "")
	cmd.Flags().Bool("verbose", false, "")
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestApplyOverrides(t *testing.T) {
	// can't be parallel as it sets environment variables
	t.Setenv("KALE_CLIENT_WAIT_TIMEOUT", "5s")
	t.Setenv("KALE_WORKER_OUTPUT_DIR", "/var/tmp/kale")
	t.Setenv("KALE_MANAGER_PORT", "9000")

	v, err := newViper(testCommand(t, "--port", "50000", "--manager-host", "10.0.0.7", "--verbose"))
	require.NoError(t, err)

	cfg := model.DefaultConfig(context.Background())
	require.NoError(t, applyOverrides(v, &cfg))

	require.Equal(t, 50000, cfg.Worker.Port)
	require.Equal(t, "10.0.0.7", cfg.Manager.Host)
	require.Equal(t, 9000, cfg.Manager.Port)
	require.True(t, cfg.Log.Verbose)
	require.Equal(t, 5*time.Second, cfg.Client.WaitTimeout.AsDuration())
	require.Equal(t, "/var/tmp/kale", cfg.Worker.OutputDir)

	// untouched keys keep the loaded values
	def := model.DefaultConfig(context.Background())
	require.Equal(t, def.Worker.Host, cfg.Worker.Host)
	require.Equal(t, def.Client.Retries, cfg.Client.Retries)
}

func TestApplyOverrides_Invalid(t *testing.T) {
	var testCases = []struct {
		env   string
		value string
		key   string
	}{
		{"KALE_CLIENT_TIMEOUT", "soon", "client.timeout"},
		{"KALE_WORKER_PORT_MAX", "70000", "worker.port_max"},
	}
	for _, tc := range testCases {
		t.Run(tc.key, func(t *testing.T) {
			t.Setenv(tc.env, tc.value)
			v, err := newViper(testCommand(t))
			require.NoError(t, err)
			cfg := model.DefaultConfig(context.Background())
			err = applyOverrides(v, &cfg)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.key)
		})
	}
}

func TestParseArgs(t *testing.T) {
	t.Parallel()
	got := parseArgs([]string{"2", "3.5", `"quoted"`, "plain", `{"a":1}`, "[1,2]", "true"})
	require.Equal(t, []any{
		float64(2), 3.5, "quoted", "plain", map[string]any{"a": float64(1)}, []any{float64(1), float64(2)}, true,
	}, got)
}
