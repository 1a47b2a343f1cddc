/*
Mailout - Outgoing message pipeline for desktop mail clients.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Mailout contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"fmt"
	"os"

	"github.com/foxcpp/mailout"
	"github.com/foxcpp/mailout/framework/log"
	"github.com/foxcpp/mailout/internal/profile"
	"github.com/foxcpp/mailout/internal/send"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:    "mailout",
		Usage:   "outgoing message pipeline",
		Version: mailout.BuildInfo(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Profile file to use",
				EnvVars: []string{"MAILOUT_CONFIG"},
				Value:   mailout.ProfilePath(),
			},
			&cli.StringFlag{
				Name:    "identity",
				Aliases: []string{"i"},
				Usage:   "Identity to act as. Defaults to the first configured one",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "send",
				Usage:     "Send pre-built message files",
				ArgsUsage: "FILE...",
				Description: "Runs each file through the full delivery pipeline: transports,\n" +
					"folder copy and post-send filters, as configured for the identity.",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "mode",
						Usage: "Delivery mode: now, later, draft, template or background",
						Value: "now",
					},
					&cli.IntFlag{
						Name:  "parallel",
						Usage: "Maximum deliveries in flight",
						Value: 4,
					},
				},
				Action: sendCommand,
			},
			{
				Name:   "flush",
				Usage:  "Deliver the messages queued in the outbox folder",
				Action: flushCommand,
			},
			{
				Name:  "version",
				Usage: "Print version and build metadata",
				Action: func(*cli.Context) error {
					fmt.Println("mailout", mailout.BuildInfo())
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openProfile(ctx *cli.Context) (*profile.Profile, error) {
	if ctx.Bool("debug") {
		log.DefaultLogger.Debug = true
	}

	p, err := profile.Load(ctx.String("config"))
	if err != nil {
		return nil, err
	}

	if ctx.Bool("debug") {
		for _, s := range p.Senders {
			s.Log.Debug = true
		}
	}
	return p, nil
}

func openSender(ctx *cli.Context) (*send.Sender, error) {
	p, err := openProfile(ctx)
	if err != nil {
		return nil, err
	}
	return p.Sender(ctx.String("identity"))
}
