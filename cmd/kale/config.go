package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/kale-workflow/kale/internal/model"
)

const (
	configName = "kale.yaml"
	configEnv  = "KALECONFIG"
	envPrefix  = "KALE"
)

// findConfig returns the config file to load, or "" when there is none.
func findConfig(flagPath string, dirs ...string) string {
	if envConfig, ok := os.LookupEnv(configEnv); ok {
		return envConfig
	}
	if flagPath != "" {
		return flagPath
	}
	for _, d := range dirs {
		path := filepath.Join(d, configName)
		if exists(path) {
			return path
		}
	}
	return ""
}

// loadConfig reads path, or stores the defaults into defaultPath when path
// is empty. It returns the path actually used.
func loadConfig(path, defaultPath string) (model.Config, string, error) {
	if path == "" {
		cfg := model.DefaultConfig(context.Background())
		if err := os.MkdirAll(filepath.Dir(defaultPath), 0o755); err != nil {
			return cfg, "", fmt.Errorf("creating directory %s: %w", filepath.Dir(defaultPath), err)
		}
		f, err := os.Create(defaultPath)
		if err != nil {
			return cfg, "", fmt.Errorf("creating file %s: %w", defaultPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		if err := yaml.NewEncoder(f).Encode(cfg); err != nil {
			return cfg, "", fmt.Errorf("storing configuration: %w", err)
		}
		return cfg, defaultPath, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return model.Config{}, "", fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.Error(d.String())
		}
		return model.Config{}, "", fmt.Errorf("parsing config %s: %w", path, err)
	}
	return *cfg, path, nil
}

// newViper reads KALE_* environment variables and the flags of cmd which
// are bound to config keys through its annotations.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindings := map[string]string{"verbose": "log.verbose", "log-file": "log.file"}
	for flag, key := range cmd.Annotations {
		bindings[flag] = key
	}
	for flag, key := range bindings {
		f := cmd.Flag(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("binding flag %s: %w", flag, err)
		}
	}
	return v, nil
}

// applyOverrides copies every key set by a flag or an environment variable
// into cfg.
func applyOverrides(v *viper.Viper, cfg *model.Config) error {
	strs := map[string]*string{
		"manager.host":      &cfg.Manager.Host,
		"worker.host":       &cfg.Worker.Host,
		"worker.output_dir": &cfg.Worker.OutputDir,
		"log.file":          &cfg.Log.File,
	}
	ints := map[string]*int{
		"manager.port":    &cfg.Manager.Port,
		"worker.port":     &cfg.Worker.Port,
		"worker.port_max": &cfg.Worker.PortMax,
		"client.retries":  &cfg.Client.Retries,
	}
	durations := map[string]*model.Duration{
		"manager.shutdown_delay": &cfg.Manager.ShutdownDelay,
		"worker.shutdown_delay":  &cfg.Worker.ShutdownDelay,
		"worker.join_timeout":    &cfg.Worker.JoinTimeout,
		"worker.probe_timeout":   &cfg.Worker.ProbeTimeout,
		"worker.loop_interval":   &cfg.Worker.LoopInterval,
		"client.timeout":         &cfg.Client.Timeout,
		"client.retry_interval":  &cfg.Client.RetryInterval,
		"client.poll_interval":   &cfg.Client.PollInterval,
		"client.wait_timeout":    &cfg.Client.WaitTimeout,
	}

	for key, p := range strs {
		if v.IsSet(key) {
			*p = v.GetString(key)
		}
	}
	for key, p := range ints {
		if !v.IsSet(key) {
			continue
		}
		n := v.GetInt(key)
		if n < 0 || (strings.HasSuffix(key, "port") || strings.HasSuffix(key, "port_max")) && n > model.MaxPort {
			return fmt.Errorf("%s: %d is out of range", key, n)
		}
		*p = n
	}
	for key, p := range durations {
		if !v.IsSet(key) {
			continue
		}
		if err := p.UnmarshalText([]byte(v.GetString(key))); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	if v.IsSet("log.verbose") {
		cfg.Log.Verbose = v.GetBool("log.verbose")
	}
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
