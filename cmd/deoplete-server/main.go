package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/tweekmonster/deoplete-server/internal/cliconfig"
	"github.com/tweekmonster/deoplete-server/internal/watcher"
	"github.com/tweekmonster/deoplete-server/pkg/pool"
	"github.com/tweekmonster/deoplete-server/pkg/server"
	"github.com/tweekmonster/deoplete-server/pkg/stream"
)

const helpDescription = `
Supervise a pool of Python completion workers over framed pipes.

Commands arrive as length-prefixed frames on stdin and are dispatched to
the least busy worker. Worker diagnostics are relayed to stderr.
Configure via file, env (DEOPLETE_*), or flags.
`

var exampleUsage = strings.TrimSpace(`
  deoplete-server --max-workers 8 --path ~/.config/nvim/rplugin
  deoplete-server --config $HOME/.deoplete-server/config.toml
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	cfg := cliconfig.DefaultConfig()
	var cfgPath string

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	root := &cobra.Command{
		Use:     "deoplete-server",
		Short:   "Supervise a pool of Python completion workers",
		Long:    strings.TrimSpace(helpDescription),
		Example: exampleUsage,
		Version: fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgFile := cfgPath
			if cfgFile == "" {
				cfgFile = cliconfig.DefaultConfigPath()
			}

			// Build set of changed flags
			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

			if cfgFile != "" && cliconfig.FileExists(cfgFile) {
				fc, err := cliconfig.LoadFileConfig(cfgFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				if err := cliconfig.ApplyFileConfig(&cfg, fc, changed); err != nil {
					return err
				}
			}

			// Environment overrides file config but loses to explicit flags.
			if err := cliconfig.ApplyEnvConfig(&cfg, changed); err != nil {
				return err
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			log = log.Level(server.LevelFromNo(cfg.LogLevel))
			log.Info().Interface("config", cfg).Msg("configuration")

			return run(cmd.Context(), log, cfg, cfgFile)
		},
	}

	root.Flags().StringVar(&cfgPath, "config", "", "path to config file (default: $HOME/.deoplete-server/config.toml)")
	root.Flags().IntVar(&cfg.MinWorkers, "min-workers", cfg.MinWorkers, "workers to keep available once dispatching begins")
	root.Flags().IntVar(&cfg.MaxWorkers, "max-workers", cfg.MaxWorkers, "maximum concurrent workers")
	root.Flags().StringVar(&cfg.Module, "module", cfg.Module, "Python module to launch in each worker")
	root.Flags().StringVar(&cfg.Executable, "executable", cfg.Executable, "Python interpreter (defaults to $VIRTUAL_ENV/bin/python, then python3)")
	root.Flags().StringSliceVar(&cfg.Paths, "path", cfg.Paths, "directories prepended to the workers' PYTHONPATH")
	root.Flags().IntVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "numeric log level (10 debug .. 50 fatal)")
	root.Flags().DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "reply drain interval")

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("deoplete-server")
		os.Exit(1)
	}
}

// run wires the pool, the config watcher, and the stdin command loop, then
// waits for a signal or for stdin to close.
func run(ctx context.Context, log zerolog.Logger, cfg cliconfig.Config, cfgFile string) error {
	p := pool.New(cfg.MinWorkers, cfg.MaxWorkers, pool.Options{
		Module:     cfg.Module,
		LogLevel:   cfg.LogLevel,
		Executable: cfg.Executable,
		Paths:      cfg.Paths,
	}, pool.WithLogger(log))
	defer p.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfgFile != "" && cliconfig.FileExists(cfgFile) {
		w := watcher.New(cfgFile, log, func(l watcher.Limits) {
			p.SetLimits(l.MinWorkers, l.MaxWorkers)
		})
		go w.Run(ctx)
	}

	// Drain worker replies on a steady cadence so idle workers become
	// dispatchable again even when no new commands arrive.
	go func() {
		ticker := time.NewTicker(cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.PollProcs()
			}
		}
	}()

	stdinDone := make(chan struct{})
	go func() {
		defer close(stdinDone)
		in := stream.NewReader(os.Stdin)
		for cmd := range stream.IterMsg(in) {
			if cmd.Name == "stop" {
				return
			}
			id, err := p.Communicate(cmd.Name, cmd.Args...)
			if err != nil {
				log.Error().Err(err).Str("name", cmd.Name).Msg("dispatch failed")
				continue
			}
			log.Debug().Int64("id", id).Str("name", cmd.Name).Msg("dispatched")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received signal, stopping...")
	case <-stdinDone:
		log.Info().Msg("command stream ended, stopping...")
	}

	cancel()
	if err := p.Close(); err != nil {
		return fmt.Errorf("stop pool: %w", err)
	}
	return nil
}
