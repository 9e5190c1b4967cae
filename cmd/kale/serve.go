package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kale-workflow/kale/internal/callable"
	"github.com/kale-workflow/kale/internal/client"
	"github.com/kale-workflow/kale/internal/log"
	"github.com/kale-workflow/kale/internal/manager"
	"github.com/kale-workflow/kale/internal/service"
	"github.com/kale-workflow/kale/internal/store"
	"github.com/kale-workflow/kale/internal/worker"
)

var flagRandomPort bool // value of worker --random-port flag

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "manager runs the registry of workers",
	Args:  cobra.NoArgs,
	Annotations: map[string]string{
		"host": "manager.host",
		"port": "manager.port",
	},
	RunE: doManager,
}

var workerCmd = &cobra.Command{
	Use:   "worker <id>",
	Short: "worker runs tasks and registers itself with the manager",
	Args:  cobra.ExactArgs(1),
	Annotations: map[string]string{
		"host":         "worker.host",
		"port":         "worker.port",
		"manager-host": "manager.host",
		"manager-port": "manager.port",
	},
	RunE: doWorker,
}

var taskCmd = &cobra.Command{
	Use:    "_task",
	Short:  "internal command",
	Args:   cobra.NoArgs,
	RunE:   doTask,
	Hidden: true,
}

func addManagerFlags(cmd *cobra.Command) {
	cmd.Flags().String("host", "", "address to listen on")
	cmd.Flags().Int("port", 0, "port to listen on")
}

func addWorkerFlags(cmd *cobra.Command) {
	cmd.Flags().String("host", "", "address to listen on")
	cmd.Flags().Int("port", 0, "first port to try")
	cmd.Flags().BoolVar(&flagRandomPort, "random-port", false, "listen on a random free port")
	cmd.Flags().String("manager-host", "", "address of the manager")
	cmd.Flags().Int("manager-port", 0, "port of the manager")
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGTERM, os.Interrupt)
}

func doManager(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(log.ContextAttrs(cmd.Context(), cmdAttrs("manager")))
	defer stop()

	workers, err := store.NewWorkerStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = workers.Close()
	}()

	svc, err := manager.New(workers, config.Manager.ShutdownDelay.AsDuration())
	if err != nil {
		return err
	}
	return svc.Run(ctx, config.Manager.Host, config.Manager.Port)
}

func doWorker(cmd *cobra.Command, args []string) error {
	id := args[0]
	ctx := log.ContextAttrs(cmd.Context(), cmdAttrs("worker"))
	ctx, stop := signalContext(ctx)
	defer stop()

	tasks, err := store.NewTaskStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tasks.Close()
	}()

	self, err := service.SelfCommand()
	if err != nil {
		return err
	}
	if configPath != "" {
		self.Args = append(self.Args, "--config", configPath)
	}
	tm := service.NewTaskManager(id, tasks, callable.Default, service.NewSupervisor(self), service.Options{
		JoinTimeout:  config.Worker.JoinTimeout.AsDuration(),
		OutputDir:    config.Worker.OutputDir,
		LoopInterval: config.Worker.LoopInterval.AsDuration(),
	})

	registrar, err := client.NewManagerClient(ctx, config.Manager.Host, config.Manager.Port, client.OptionsFromConfig(config.Client))
	if err != nil {
		return err
	}

	cfg := worker.ConfigFrom(id, config)
	cfg.RandomPort = flagRandomPort
	svc, err := worker.New(cfg, tm, registrar)
	if err != nil {
		return err
	}
	return svc.Run(ctx)
}

func doTask(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), cmdAttrs("_task"))
	ctx, stop := signalContext(ctx)
	defer stop()

	result, err := service.ResultFile()
	if err != nil {
		return err
	}
	return service.RunTask(ctx, os.Stdin, result, callable.Default)
}
