package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/kale-workflow/kale/internal/log"
	"github.com/kale-workflow/kale/internal/model"
)

var (
	userConfigPath string // /default/config/path/kale on given OS
	configPath     string // actual config file used
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagLogFile        string // value of --log-file flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "kale")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is kale.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	rootCmd.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "log into a rotated file instead of stderr")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initKale

	addManagerFlags(managerCmd)
	addWorkerFlags(workerCmd)

	rootCmd.AddCommand(managerCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(spawnCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("kale failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "kale",
	Short:        "Runs functions as supervised processes on remote workers",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a kale",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("kale: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("kale:   %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initKale(cmd *cobra.Command, _ []string) error {
	path := findConfig(flagConfigFilePath, userConfigPath, ".")
	var err error
	config, configPath, err = loadConfig(path, filepath.Join(userConfigPath, configName))
	if err != nil {
		return err
	}

	// flags and KALE_* variables have a precedence over config file
	v, err := newViper(cmd)
	if err != nil {
		return err
	}
	if err := applyOverrides(v, &config); err != nil {
		return fmt.Errorf("applying overrides: %w", err)
	}

	slog.SetDefault(log.NewWith(log.Options{
		Verbose: config.Log.Verbose,
		File:    config.Log.File,
	}))

	slog.Debug("kale run", "configPath", configPath)
	slog.Debug("kale run", "config", config)
	return nil
}

// cmdAttrs tags every log record of a command.
func cmdAttrs(name string) slog.Attr {
	return slog.Group("kale",
		slog.String("cmd", name),
		slog.Int("pid", os.Getpid()),
	)
}
