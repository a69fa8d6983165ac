package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
)

func main() {
	// set up a context that is canceled when the process is interrupted
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// set up a signal handler to cancel the context
	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, syscall.SIGTERM, syscall.SIGINT)

		select {
		case <-interrupt:
			fmt.Println()
			klog.Info("received interrupt signal")
			cancel()
		case <-ctx.Done():
		}

		// Allow any further SIGTERM or SIGINT to kill the process
		signal.Stop(interrupt)
	}()

	app := &cli.App{
		Name:        "keyhound",
		Version:     GitCommit,
		Usage:       "keyhound <config.json>",
		Description: "Generate secp256k1 keys at high rate and check their address hashes against a store of known addresses.",
		Flags:       NewKlogFlagSet(),
		Action: func(c *cli.Context) error {
			configPath := c.Args().First()
			if configPath == "" {
				cli.ShowAppHelp(c)
				return fmt.Errorf("missing required argument: path to JSON config")
			}
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			return runCommand(c.Context, cfg)
		},
		Commands: []*cli.Command{
			newCmd_Version(),
		},
	}

	sort.Sort(cli.FlagsByName(app.Flags))
	sort.Sort(cli.CommandsByName(app.Commands))

	defer klog.Flush()
	if err := app.RunContext(ctx, os.Args); err != nil {
		klog.Flush()
		klog.Fatal(err)
	}
}

func runCommand(ctx context.Context, cfg *Config) error {
	switch cfg.Command {
	case CommandFind:
		return runFind(ctx, cfg)
	case CommandAddressFilesToLMDB:
		return runImport(ctx, cfg)
	case CommandLMDBToAddressFile:
		return runExport(ctx, cfg)
	case CommandOpenCLInfo:
		return runOpenCLInfo(ctx, cfg)
	default:
		return fmt.Errorf("config %s: unknown command %q", cfg.originalFilepath, cfg.Command)
	}
}
