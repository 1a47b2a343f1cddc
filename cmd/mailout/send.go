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
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/foxcpp/mailout/framework/buffer"
	"github.com/foxcpp/mailout/framework/module"
	"github.com/foxcpp/mailout/internal/send"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

// printListener writes pipeline progress to the terminal, one line per
// event, prefixed with the message file name.
type printListener struct {
	module.NopListener
	name string
}

func (l printListener) Status(line string) {
	fmt.Printf("%s: %s\n", l.name, line)
}

func (l printListener) StoppedSending(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: delivery failed: %v\n", l.name, err)
	}
}

func (l printListener) StoppedCopy(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: folder copy failed: %v\n", l.name, err)
	}
}

func (l printListener) TransportSecurityError(server string, err error) {
	fmt.Fprintf(os.Stderr, "%s: TLS failure talking to %s: %v\n", l.name, server, err)
}

// parseMode maps the --mode argument to a delivery mode. The accepted
// values match DeliverMode.String.
func parseMode(s string) (module.DeliverMode, error) {
	switch s {
	case "now":
		return module.DeliverNow, nil
	case "later":
		return module.QueueForLater, nil
	case "draft":
		return module.SaveAsDraft, nil
	case "template":
		return module.SaveAsTemplate, nil
	case "background":
		return module.DeliverBackground, nil
	default:
		return 0, fmt.Errorf("unknown delivery mode: %s", s)
	}
}

func sendCommand(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("at least one message file is required")
	}
	mode, err := parseMode(ctx.String("mode"))
	if err != nil {
		return err
	}

	s, err := openSender(ctx)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(runCtx)
	group.SetLimit(ctx.Int("parallel"))
	for _, path := range ctx.Args().Slice() {
		path := path
		group.Go(func() error {
			return sendFile(groupCtx, s, mode, path)
		})
	}
	return group.Wait()
}

func sendFile(ctx context.Context, s *send.Sender, mode module.DeliverMode, path string) error {
	blob, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}

	op := s.Send(ctx, &send.Job{
		Mode:     mode,
		File:     buffer.MemoryBuffer{Slice: blob},
		Listener: printListener{name: filepath.Base(path)},
	})
	if err := op.Wait(); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func flushCommand(ctx *cli.Context) error {
	s, err := openSender(ctx)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := s.FlushOutbox(runCtx, printListener{name: "outbox"})
	fmt.Printf("%d message(s) sent\n", n)
	return err
}
