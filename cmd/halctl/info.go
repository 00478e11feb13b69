package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
)

type infoReport struct {
	Server       string `json:"server"`
	Platform     string `json:"platform"`
	APIVersion   uint32 `json:"api_version"`
	Device       string `json:"device"`
	Arch         string `json:"arch"`
	WordSize     int    `json:"word_size"`
	Endianness   string `json:"endianness"`
	GlobalMemMax string `json:"global_mem_max,omitempty"`
}

func infoCmd() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Create and delete the remote device, printing what the client sees",
		Flags: connFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			pi := s.client.Info()
			di, _ := s.client.DeviceInfo(0)
			if err := s.Close(); err != nil {
				return err
			}
			r := infoReport{
				Server:     fmt.Sprintf("%s:%d", node, port),
				Platform:   pi.Name,
				APIVersion: pi.APIVersion,
				Device:     di.Name,
				Arch:       di.Arch,
				WordSize:   di.WordSize,
				Endianness: di.Endianness.String(),
			}
			if di.GlobalMemMax > 0 {
				r.GlobalMemMax = humanize.IBytes(di.GlobalMemMax)
			}
			return printJSON(os.Stdout, r)
		},
	}
}
