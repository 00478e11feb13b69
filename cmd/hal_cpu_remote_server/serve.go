package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/muxhal/internal/backend"
	"github.com/samcharles93/muxhal/internal/cpu"
	"github.com/samcharles93/muxhal/internal/logger"
	"github.com/samcharles93/muxhal/internal/server"
	"github.com/samcharles93/muxhal/internal/status"
	"github.com/samcharles93/muxhal/internal/transport"
)

var errTerminated = errors.New("terminated by signal")

// parsePort validates the positional port argument.
func parsePort(arg string) (int, error) {
	port, err := strconv.Atoi(arg)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q: must be between 1 and 65535", arg)
	}
	return port, nil
}

func newLogger() (logger.Logger, bool, error) {
	trace := debug || os.Getenv(server.EnvDebug) == "1"
	level := logger.ParseLevel(logLevel)
	if trace {
		level = slog.LevelDebug
	}
	log, err := logger.ForFormat(logFormat, os.Stderr, level)
	return log, trace, err
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return err
	}
	cfgPort := applyConfig(cmd, cfg)

	var port int
	switch {
	case cmd.Args().Len() > 1:
		return fmt.Errorf("expected one port argument, got %d", cmd.Args().Len())
	case cmd.Args().Present():
		if port, err = parsePort(cmd.Args().First()); err != nil {
			return err
		}
	case cfgPort != 0:
		if port, err = parsePort(strconv.Itoa(cfgPort)); err != nil {
			return err
		}
	default:
		_ = cli.ShowAppHelp(cmd)
		return errors.New("port is required")
	}

	log, trace, err := newLogger()
	if err != nil {
		return err
	}
	ctx = logger.WithContext(ctx, log)

	platform, err := backend.New(backendName, cpu.Config{Logger: log})
	if err != nil {
		return err
	}
	tx := transport.NewSocketTransmitter(node, port, log)
	srv := server.New(platform, tx, server.WithLogger(log), server.WithTrace(trace))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		tx.Close()
	}()

	if statusAddr != "" {
		src := status.Sources{
			Platform: platform,
			Session:  func() (server.Stats, bool) { return srv.Stats(), true },
		}
		if p, ok := platform.(*cpu.Platform); ok {
			src.Device = p.Stats
		}
		go func() {
			if err := status.New(src).Start(ctx, statusAddr); err != nil && ctx.Err() == nil {
				log.Error("status server stopped", "error", err)
			}
		}()
		log.Info("status endpoint enabled", "address", statusAddr)
	}

	log.Info("starting HAL server", "backend", platform.Info().Name, "node", node, "port", port, "session", srv.Session().String())
	if err := tx.StartServer(true); err != nil {
		if ctx.Err() != nil {
			return errTerminated
		}
		return err
	}

	st := srv.ProcessCommands()
	if err := srv.Close(); err != nil {
		log.Warn("device cleanup failed", "error", err)
	}
	if ctx.Err() != nil {
		return errTerminated
	}
	if st == server.StatusTransmitterFailed && tx.LastError() == transport.CodeConnectionClosed {
		log.Info("client disconnected, exiting", "stats", srv.Stats().Commands)
		return nil
	}
	return fmt.Errorf("server stopped: %s", st)
}
