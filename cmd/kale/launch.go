package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/kale-workflow/kale/internal/client"
	"github.com/kale-workflow/kale/internal/log"
)

var spawnCmd = &cobra.Command{
	Use:   "spawn",
	Short: "spawn launches a worker with a fresh id and prints its record",
	Args:  cobra.NoArgs,
	RunE:  doSpawn,
}

var runCmd = &cobra.Command{
	Use:   "run <function> [json-arg...]",
	Short: "run executes an allow-listed function on a fresh worker and prints the result",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doRun,
}

// spawnOptions points spawned workers at the configured manager and the
// config file in use.
func spawnOptions() client.SpawnOptions {
	opts := client.SpawnOptions{
		ManagerHost: config.Manager.Host,
		ManagerPort: config.Manager.Port,
	}
	if configPath != "" {
		opts.Args = append(opts.Args, "--config", configPath)
	}
	if config.Log.Verbose {
		opts.Args = append(opts.Args, "--verbose")
	}
	return opts
}

func doSpawn(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), cmdAttrs("spawn"))
	opts := client.OptionsFromConfig(config.Client)

	manager, err := client.NewManagerClient(ctx, config.Manager.Host, config.Manager.Port, opts)
	if err != nil {
		return err
	}
	id := client.NewWorkerID()
	proc, err := client.SpawnWorker(ctx, id, spawnOptions())
	if err != nil {
		return err
	}
	w, err := manager.WaitForWorker(ctx, id)
	if err != nil {
		_ = proc.Kill()
		return err
	}
	slog.InfoContext(ctx, "worker spawned", "worker_id", id, "pid", proc.Pid, "addr", w.Addr())

	out, err := sonic.ConfigStd.MarshalIndent(w, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(out))
	return err
}

// parseArgs decodes every argument as JSON and falls back to a plain
// string, so that `kale run echo hello` works unquoted.
func parseArgs(raw []string) []any {
	args := make([]any, 0, len(raw))
	for _, r := range raw {
		var v any
		if err := sonic.UnmarshalString(r, &v); err != nil {
			v = r
		}
		args = append(args, v)
	}
	return args
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(), cmdAttrs("run"))
	fn := args[0]

	var result json.RawMessage
	err := client.RunFunction(ctx, client.RunOptions{
		Spawn:  spawnOptions(),
		Client: client.OptionsFromConfig(config.Client),
	}, fn, parseArgs(args[1:]), nil, &result)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(result))
	return err
}
