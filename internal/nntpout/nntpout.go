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

// Package nntpout implements posting of messages to newsgroups over NNTP
// (RFC 3977) with AUTHINFO USER/PASS authentication (RFC 4643).
//
// Only the posting subset of the protocol is spoken. Reading, group
// listing and the streaming extensions are out of scope, a news reader
// frontend has its own connection for these.
package nntpout

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"runtime/trace"
	"time"

	"github.com/foxcpp/mailout/framework/buffer"
	"github.com/foxcpp/mailout/framework/config"
	tls2 "github.com/foxcpp/mailout/framework/config/tls"
	"github.com/foxcpp/mailout/framework/exterrors"
	"github.com/foxcpp/mailout/framework/log"
	"github.com/foxcpp/mailout/framework/module"
)

// Transport posts messages to the configured news server. It implements
// module.Transport for the newsgroups part of an envelope. Mail
// recipients on the same message are not handled here, the orchestrator
// runs the mail transport separately after the posting succeeds.
//
// Like the SMTP counterpart, each Send call uses a fresh connection.
type Transport struct {
	endpoint config.Endpoint

	user     string
	password string

	tlsConfig *tls.Config

	connectTimeout    time.Duration
	commandTimeout    time.Duration
	submissionTimeout time.Duration

	log log.Logger
}

// NewsDirective parses the nntp endpoint directive of an identity block,
// for use with config.Map.Custom:
//
//	nntp tls://news.example.org:563 {
//	    auth user secret
//	}
func NewsDirective(m *config.Map, node config.Node) (interface{}, error) {
	if len(node.Args) != 1 {
		return nil, config.NodeErr(node, "exactly one endpoint argument is required")
	}

	endp, err := config.ParseEndpoint(node.Args[0])
	if err != nil {
		return nil, config.NodeErr(node, "%v", err)
	}

	t := &Transport{
		endpoint: endp,
		log:      log.Logger{Name: "nntpout"},
	}

	var authArgs []string

	childM := config.NewMap(m.Globals, node)
	childM.Bool("debug", true, false, &t.log.Debug)
	childM.StringList("auth", false, false, nil, &authArgs)
	childM.Custom("tls_client", false, false, func() (interface{}, error) {
		return &tls.Config{}, nil
	}, tls2.TLSClientBlock, &t.tlsConfig)
	childM.Duration("connect_timeout", false, false, 5*time.Minute, &t.connectTimeout)
	childM.Duration("command_timeout", false, false, 5*time.Minute, &t.commandTimeout)
	childM.Duration("submission_timeout", false, false, 12*time.Minute, &t.submissionTimeout)

	if _, err := childM.Process(); err != nil {
		return nil, err
	}

	switch len(authArgs) {
	case 0:
	case 2:
		t.user, t.password = authArgs[0], authArgs[1]
	default:
		return nil, config.NodeErr(node, "auth: expected username and password arguments")
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
		"transport": "nntp",
	})
}

func (t *Transport) Send(ctx context.Context, job *module.TransportJob) error {
	defer trace.StartRegion(ctx, "nntpout/Send").End()

	if len(job.Newsgroups) == 0 {
		return t.transportError(errors.New("no newsgroups to post to"))
	}

	conn, err := t.connect(ctx, job)
	if err != nil {
		nntpFailures.WithLabelValues(t.endpoint.Host).Inc()
		return err
	}

	t.status(job, "Connected to "+t.endpoint.Host+"...")
	t.status(job, "Posting to newsgroups...")

	if err := conn.post(ctx, job.Body); err != nil {
		nntpFailures.WithLabelValues(t.endpoint.Host).Inc()
		conn.directClose()
		return t.transportError(err)
	}

	t.log.DebugMsg("article posted", "msg_id", job.MessageID, "remote_server", t.endpoint.Host)

	conn.close()
	return nil
}

func (t *Transport) connect(ctx context.Context, job *module.TransportJob) (*conn, error) {
	defer trace.StartRegion(ctx, "nntpout/connect").End()

	dialCtx := ctx
	if t.connectTimeout != 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, t.connectTimeout)
		defer cancel()
	}

	netConn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", net.JoinHostPort(t.endpoint.Host, t.endpoint.Port))
	if err != nil {
		return nil, t.transportError(exterrors.WithFields(err, map[string]interface{}{
			"remote_server": t.endpoint.Host,
		}))
	}

	if t.endpoint.IsTLS() {
		cfg := t.tlsConfig
		if cfg == nil {
			cfg = &tls.Config{}
		}
		cfg = cfg.Clone()
		cfg.ServerName = t.endpoint.Host

		tlsConn := tls.Client(netConn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			netConn.Close()
			return nil, t.transportError(&module.SecurityError{Err: err})
		}
		netConn = tlsConn
	}

	c := &conn{
		serverName: t.endpoint.Host,
		raw:        netConn,
		cl:         textproto.NewConn(netConn),
		cmdTimeout: t.commandTimeout,
		subTimeout: t.submissionTimeout,
		log:        t.log,
	}

	// 201 in the greeting does not necessarily mean POST will be refused,
	// the verdict can change after MODE READER or authentication. The
	// server gets to say 440 later if it actually objects.
	code, msg, err := c.cmd(2, "")
	if err != nil {
		c.directClose()
		return nil, t.transportError(c.wrapErr(err))
	}
	c.log.DebugMsg("connected", "greeting", fmt.Sprintf("%d %s", code, msg))

	if code, _, err = c.cmd(0, "MODE READER"); err != nil {
		c.directClose()
		return nil, t.transportError(c.wrapErr(err))
	}
	if code == 201 {
		c.log.DebugMsg("posting prohibited for reader connection", "remote_server", c.serverName)
	}

	user, pass := t.user, t.password
	if job.Password != "" {
		pass = job.Password
	}
	if user != "" {
		if err := c.auth(user, pass); err != nil {
			c.close()
			return nil, t.transportError(err)
		}
	}

	return c, nil
}

func (t *Transport) status(job *module.TransportJob, line string) {
	if job.Status == nil {
		return
	}
	job.Status(line)
}

type conn struct {
	serverName string
	raw        net.Conn
	cl         *textproto.Conn

	cmdTimeout time.Duration
	subTimeout time.Duration

	log log.Logger
}

// cmd sends a single command line and reads the reply, enforcing the
// command timeout via connection deadlines. Empty format reads a reply
// without sending anything (the initial greeting).
//
// expectCode is handled as in textproto.ReadCodeLine: 2 accepts any 2xx,
// 34 accepts 34x, 0 accepts anything.
func (c *conn) cmd(expectCode int, format string, args ...interface{}) (int, string, error) {
	if c.cmdTimeout != 0 {
		c.raw.SetDeadline(time.Now().Add(c.cmdTimeout))
		defer c.raw.SetDeadline(time.Time{})
	}

	if format != "" {
		if err := c.cl.PrintfLine(format, args...); err != nil {
			return 0, "", err
		}
	}
	return c.cl.ReadCodeLine(expectCode)
}

func (c *conn) auth(user, pass string) error {
	// RFC 4643 Section 2.3. 281 right away means the server wants no
	// password for this user.
	code, _, err := c.cmd(0, "AUTHINFO USER %s", user)
	if err != nil {
		return c.wrapErr(err)
	}
	switch code {
	case 281:
		return nil
	case 381:
	default:
		return c.wrapErr(&textproto.Error{Code: code, Msg: "authentication not accepted"})
	}

	if _, _, err := c.cmd(281, "AUTHINFO PASS %s", pass); err != nil {
		return c.wrapErr(err)
	}
	return nil
}

func (c *conn) post(ctx context.Context, body buffer.Buffer) error {
	defer trace.StartRegion(ctx, "nntpout/POST").End()

	if err := ctx.Err(); err != nil {
		return err
	}

	r, err := body.Open()
	if err != nil {
		return exterrors.WithFields(err, map[string]interface{}{
			"reason": "buffer open",
		})
	}
	defer r.Close()

	if _, _, err := c.cmd(34, "POST"); err != nil {
		return c.wrapErr(err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if c.subTimeout != 0 {
		c.raw.SetDeadline(time.Now().Add(c.subTimeout))
		defer c.raw.SetDeadline(time.Time{})
	}

	dw := c.cl.DotWriter()
	if _, err := io.Copy(dw, r); err != nil {
		dw.Close()
		return c.wrapErr(err)
	}
	if err := dw.Close(); err != nil {
		return c.wrapErr(err)
	}

	if _, _, err := c.cl.ReadCodeLine(240); err != nil {
		return c.wrapErr(err)
	}
	return nil
}

func (c *conn) close() {
	if _, _, err := c.cmd(205, "QUIT"); err != nil {
		c.log.Error("QUIT error", c.wrapErr(err))
	}
	c.cl.Close()
}

func (c *conn) directClose() {
	c.cl.Close()
}

func (c *conn) wrapErr(err error) error {
	if err == nil {
		return nil
	}

	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return &nntpError{
			Code:   protoErr.Code,
			Msg:    protoErr.Msg,
			Server: c.serverName,
		}
	}

	return exterrors.WithFields(err, map[string]interface{}{
		"remote_server": c.serverName,
	})
}

// nntpError is a protocol-level error reply from the news server.
type nntpError struct {
	Code   int
	Msg    string
	Server string
}

func (err *nntpError) Fields() map[string]interface{} {
	return map[string]interface{}{
		"nntp_code":     err.Code,
		"nntp_msg":      err.Msg,
		"remote_server": err.Server,
	}
}

// Temporary reports whether the failure is transient. NNTP reuses the
// SMTP convention of 4xx for "try again later" replies.
func (err *nntpError) Temporary() bool {
	return err.Code/100 == 4
}

func (err *nntpError) Error() string {
	return fmt.Sprintf("%s said: %d %s", err.Server, err.Code, err.Msg)
}
