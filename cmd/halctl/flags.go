package main

import "github.com/urfave/cli/v3"

var (
	node     string
	port     int
	logLevel string
)

func connFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "node",
			Aliases:     []string{"n"},
			Usage:       "server address",
			Value:       "127.0.0.1",
			Destination: &node,
		},
		&cli.IntFlag{
			Name:        "port",
			Aliases:     []string{"p"},
			Usage:       "server port",
			Destination: &port,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "warn",
			Destination: &logLevel,
		},
	}
}
