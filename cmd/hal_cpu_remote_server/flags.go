package main

import "github.com/urfave/cli/v3"

var (
	node        string
	backendName string
	statusAddr  string
	configFile  string
	logLevel    string
	logFormat   string
	debug       bool
)

func serverFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "node",
			Aliases:     []string{"n"},
			Usage:       "address to bind",
			Value:       "127.0.0.1",
			Destination: &node,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "local HAL platform to expose (auto, cpu)",
			Value:       "auto",
			Destination: &backendName,
		},
		&cli.StringFlag{
			Name:        "status-addr",
			Usage:       "serve /healthz and /v1/stats on this address (disabled when empty)",
			Destination: &statusAddr,
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "config file (default ~/.config/muxhal/config.yaml)",
			Destination: &configFile,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "trace every command (same as HAL_DEBUG_SERVER=1)",
			Destination: &debug,
		},
	}
}
