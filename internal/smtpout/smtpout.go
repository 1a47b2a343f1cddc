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

package smtpout

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"runtime/trace"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/mailout/framework/address"
	"github.com/foxcpp/mailout/framework/config"
	tls2 "github.com/foxcpp/mailout/framework/config/tls"
	"github.com/foxcpp/mailout/framework/exterrors"
	"github.com/foxcpp/mailout/framework/log"
	"github.com/foxcpp/mailout/framework/module"
	"golang.org/x/net/idna"
)

// Transport submits messages to the configured submission server. It
// implements module.Transport.
//
// Each Send call uses a fresh connection. Submission servers drop idle
// sessions quickly and a desktop client sends rarely, so pooling buys
// nothing.
type Transport struct {
	hostname string
	endpoint config.Endpoint

	requireTLS      bool
	attemptStartTLS bool
	saslFactory     saslClientFactory
	tlsConfig       *tls.Config

	connectTimeout    time.Duration
	commandTimeout    time.Duration
	submissionTimeout time.Duration

	log log.Logger
}

// TransportDirective parses the smtp endpoint directive of an identity
// block, for use with config.Map.Custom:
//
//	smtp tls://smtp.example.org:465 {
//	    auth plain user secret
//	    tls_client { ... }
//	}
func TransportDirective(m *config.Map, node config.Node) (interface{}, error) {
	if len(node.Args) != 1 {
		return nil, config.NodeErr(node, "exactly one endpoint argument is required")
	}

	endp, err := config.ParseEndpoint(node.Args[0])
	if err != nil {
		return nil, config.NodeErr(node, "%v", err)
	}

	t := &Transport{
		endpoint: endp,
		log:      log.Logger{Name: "smtpout"},
	}

	childM := config.NewMap(m.Globals, node)
	childM.Bool("debug", true, false, &t.log.Debug)
	childM.Bool("require_tls", false, false, &t.requireTLS)
	childM.Bool("attempt_starttls", false, true, &t.attemptStartTLS)
	childM.String("hostname", true, true, "", &t.hostname)
	childM.Custom("auth", false, false, func() (interface{}, error) {
		return nil, nil
	}, saslAuthDirective, &t.saslFactory)
	childM.Custom("tls_client", false, false, func() (interface{}, error) {
		return &tls.Config{}, nil
	}, tls2.TLSClientBlock, &t.tlsConfig)
	childM.Duration("connect_timeout", false, false, 5*time.Minute, &t.connectTimeout)
	childM.Duration("command_timeout", false, false, 5*time.Minute, &t.commandTimeout)
	childM.Duration("submission_timeout", false, false, 12*time.Minute, &t.submissionTimeout)

	if _, err := childM.Process(); err != nil {
		return nil, err
	}

	// INTERNATIONALIZATION: See RFC 6531 Section 3.7.1.
	t.hostname, err = idna.ToASCII(t.hostname)
	if err != nil {
		return nil, config.NodeErr(node, "cannot represent the hostname as an A-label name: %v", err)
	}

	return t, nil
}

func (t *Transport) Server() string {
	return t.endpoint.Host
}

func (t *Transport) transportError(err error) error {
	if err == nil {
		return nil
	}

	return exterrors.WithFields(err, map[string]interface{}{
		"transport": "smtp",
	})
}

func (t *Transport) Send(ctx context.Context, job *module.TransportJob) error {
	defer trace.StartRegion(ctx, "smtpout/Send").End()

	conn, err := t.connect(ctx, job)
	if err != nil {
		smtpFailures.WithLabelValues(t.endpoint.Host).Inc()
		return err
	}

	t.status(job, "Connected to "+t.endpoint.Host+"...")

	if err := t.exchange(ctx, conn, job); err != nil {
		conn.Close()
		smtpFailures.WithLabelValues(t.endpoint.Host).Inc()
		return err
	}

	t.log.DebugMsg("message transferred", "msg_id", job.MessageID, "remote_server", conn.ServerName())
	conn.Close()
	return nil
}

func (t *Transport) connect(ctx context.Context, job *module.TransportJob) (*C, error) {
	conn := New()
	conn.Log = t.log
	conn.AddrInSMTPMsg = true
	if t.hostname != "" {
		conn.Hostname = t.hostname
	}
	if t.connectTimeout != 0 {
		conn.ConnectTimeout = t.connectTimeout
	}
	if t.commandTimeout != 0 {
		conn.CommandTimeout = t.commandTimeout
	}
	if t.submissionTimeout != 0 {
		conn.SubmissionTimeout = t.submissionTimeout
	}

	didTLS, err := conn.Connect(ctx, t.endpoint, t.attemptStartTLS, t.tlsConfig)
	if err != nil {
		return nil, t.transportError(err)
	}

	if !didTLS && t.requireTLS {
		conn.Close()
		err := &module.SecurityError{Err: errors.New("TLS is required, but unsupported by the server")}
		return nil, t.transportError(err)
	}

	if t.saslFactory != nil {
		saslClient, err := t.saslFactory(job)
		if err != nil {
			conn.Close()
			return nil, err
		}

		if err := conn.Client().Auth(saslClient); err != nil {
			conn.Close()
			return nil, t.transportError(conn.wrapClientErr(err, conn.ServerName()))
		}
	}

	return conn, nil
}

func (t *Transport) exchange(ctx context.Context, conn *C, job *module.TransportJob) error {
	rcpts := append(append([]string(nil), job.Recipients...), job.Bcc...)

	utf8 := !address.IsASCII(job.From)
	for _, rcpt := range rcpts {
		if !address.IsASCII(rcpt) {
			utf8 = true
		}
	}

	opts := smtp.MailOptions{
		Size: int64(job.Body.Len()),
		UTF8: utf8,
	}
	if job.DSN {
		// The pinned client API exposes no RET/ENVID parameters, so the
		// request is only recorded for diagnostics.
		t.log.DebugMsg("DSN requested", "msg_id", job.MessageID)
	}

	if err := conn.Mail(ctx, job.From, opts); err != nil {
		return t.transportError(err)
	}

	for _, rcpt := range rcpts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := conn.Rcpt(ctx, rcpt); err != nil {
			return t.transportError(err)
		}
	}

	t.status(job, "Delivering mail...")

	if err := ctx.Err(); err != nil {
		return err
	}

	r, err := job.Body.Open()
	if err != nil {
		return t.transportError(err)
	}
	defer r.Close()

	bufR := bufio.NewReader(r)
	hdr, err := textproto.ReadHeader(bufR)
	if err != nil {
		return t.transportError(err)
	}

	return t.transportError(conn.Data(ctx, hdr, bufR))
}

func (t *Transport) status(job *module.TransportJob, line string) {
	if job.Status != nil {
		job.Status(line)
	}
}
