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

package folders

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/foxcpp/mailout/framework/buffer"
	"github.com/foxcpp/mailout/framework/config"
	tls2 "github.com/foxcpp/mailout/framework/config/tls"
	"github.com/foxcpp/mailout/framework/log"
	"github.com/foxcpp/mailout/framework/module"
)

// imapAccount is a configured remote account folders can live on. Each
// folder operation uses its own connection, a desktop client copies
// rarely enough that keeping a session alive is not worth the idle
// timeouts and reconnect handling.
type imapAccount struct {
	name     string
	endpoint config.Endpoint

	user     string
	password string

	tlsConfig      *tls.Config
	connectTimeout time.Duration
	commandTimeout time.Duration

	log log.Logger
}

func imapAccountDirective(m *config.Map, node config.Node) (*imapAccount, error) {
	if len(node.Args) != 2 {
		return nil, config.NodeErr(node, "expected account name and endpoint arguments")
	}

	endp, err := config.ParseEndpoint(node.Args[1])
	if err != nil {
		return nil, config.NodeErr(node, "%v", err)
	}

	acct := &imapAccount{
		name:     node.Args[0],
		endpoint: endp,
	}

	childM := config.NewMap(m.Globals, node)
	childM.String("user", false, true, "", &acct.user)
	childM.String("password", false, false, "", &acct.password)
	childM.Custom("tls_client", false, false, func() (interface{}, error) {
		return &tls.Config{}, nil
	}, tls2.TLSClientBlock, &acct.tlsConfig)
	childM.Duration("connect_timeout", false, false, 1*time.Minute, &acct.connectTimeout)
	childM.Duration("command_timeout", false, false, 2*time.Minute, &acct.commandTimeout)

	if _, err := childM.Process(); err != nil {
		return nil, err
	}

	return acct, nil
}

// connect dials the account, negotiates TLS and logs in. TLS negotiation
// failures are wrapped in module.SecurityError the same way the
// transports do it.
func (a *imapAccount) connect(ctx context.Context) (*client.Client, error) {
	dialCtx := ctx
	if a.connectTimeout != 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, a.connectTimeout)
		defer cancel()
	}

	netConn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", net.JoinHostPort(a.endpoint.Host, a.endpoint.Port))
	if err != nil {
		return nil, fmt.Errorf("imap %s: %v", a.name, err)
	}

	cfg := a.tlsConfig
	if cfg == nil {
		cfg = &tls.Config{}
	}
	cfg = cfg.Clone()
	cfg.ServerName = a.endpoint.Host

	if a.endpoint.IsTLS() {
		tlsConn := tls.Client(netConn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			netConn.Close()
			return nil, &module.SecurityError{Err: err}
		}
		netConn = tlsConn
	}

	cl, err := client.New(netConn)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("imap %s: %v", a.name, err)
	}
	cl.Timeout = a.commandTimeout

	if !a.endpoint.IsTLS() {
		ok, err := cl.SupportStartTLS()
		if err != nil {
			cl.Logout()
			return nil, fmt.Errorf("imap %s: %v", a.name, err)
		}
		if ok {
			if err := cl.StartTLS(cfg); err != nil {
				cl.Logout()
				return nil, &module.SecurityError{Err: err}
			}
		}
	}

	if err := cl.Login(a.user, a.password); err != nil {
		cl.Logout()
		return nil, fmt.Errorf("imap %s: login: %v", a.name, err)
	}

	return cl, nil
}

func (a *imapAccount) lookup(ctx context.Context, uri, mailbox string) (module.Folder, error) {
	cl, err := a.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("folders: lookup %s: %w", uri, err)
	}
	defer cl.Logout()

	if _, err := cl.Select(mailbox, true); err != nil {
		return nil, fmt.Errorf("folders: lookup %s: %v: %w", uri, err, module.ErrNoSuchFolder)
	}

	return &imapFolder{account: a, uri: uri, mailbox: mailbox}, nil
}

// imapFolder is a mailbox on a remote account. Message keys are UIDs.
type imapFolder struct {
	account *imapAccount
	uri     string
	mailbox string
}

func (f *imapFolder) URI() string {
	return f.uri
}

func (f *imapFolder) Name() string {
	return f.mailbox
}

func (f *imapFolder) NeedsEnvelope() bool {
	return false
}

func (f *imapFolder) Append(ctx context.Context, msg buffer.Buffer, flags module.MsgFlags, date time.Time) (module.MsgKey, error) {
	cl, err := f.account.connect(ctx)
	if err != nil {
		return 0, fmt.Errorf("folders: append %s: %w", f.uri, err)
	}
	defer cl.Logout()

	r, err := msg.Open()
	if err != nil {
		return 0, fmt.Errorf("folders: append %s: %v", f.uri, err)
	}
	var (
		blob  bytes.Buffer
		msgID string
	)
	if _, err := io.Copy(&blob, r); err != nil {
		r.Close()
		return 0, fmt.Errorf("folders: append %s: %v", f.uri, err)
	}
	r.Close()
	msgID = headerMessageID(blob.Bytes())

	if err := cl.Append(f.mailbox, imapFlags(flags), date, &blob); err != nil {
		return 0, fmt.Errorf("folders: append %s: %v", f.uri, err)
	}

	// No UIDPLUS in the pinned client, so the key of the landed message
	// is recovered with a search. An unknown key is not fatal, it only
	// keeps post-send filtering away from this message.
	key, err := f.searchUID(cl, msgID)
	if err != nil {
		f.account.log.Error("landed message key not recovered", err, "folder", f.uri)
		return module.KeyNone, nil
	}

	if key == module.KeyNone {
		f.account.log.DebugMsg("message appended, key not recovered", "folder", f.uri)
	} else {
		f.account.log.DebugMsg("message appended", "folder", f.uri, "key", key)
	}
	return key, nil
}

func (f *imapFolder) Expunge(ctx context.Context, messageID string) error {
	cl, err := f.account.connect(ctx)
	if err != nil {
		return fmt.Errorf("folders: expunge %s: %w", f.uri, err)
	}
	defer cl.Logout()

	if _, err := cl.Select(f.mailbox, false); err != nil {
		return fmt.Errorf("folders: expunge %s: %v", f.uri, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-Id", messageID)
	uids, err := cl.UidSearch(criteria)
	if err != nil {
		return fmt.Errorf("folders: expunge %s: %v", f.uri, err)
	}
	if len(uids) == 0 {
		return nil
	}

	seq := new(imap.SeqSet)
	seq.AddNum(uids...)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := cl.UidStore(seq, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return fmt.Errorf("folders: expunge %s: %v", f.uri, err)
	}
	if err := cl.Expunge(nil); err != nil {
		return fmt.Errorf("folders: expunge %s: %v", f.uri, err)
	}

	f.account.log.DebugMsg("message expunged", "folder", f.uri, "msg_id", messageID)
	return nil
}

func (f *imapFolder) searchUID(cl *client.Client, msgID string) (module.MsgKey, error) {
	if msgID == "" {
		return module.KeyNone, nil
	}

	if _, err := cl.Select(f.mailbox, true); err != nil {
		return 0, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-Id", msgID)
	uids, err := cl.UidSearch(criteria)
	if err != nil {
		return 0, err
	}
	if len(uids) == 0 {
		return module.KeyNone, nil
	}
	return module.MsgKey(uids[len(uids)-1]), nil
}

func imapFlags(flags module.MsgFlags) []string {
	var out []string
	if flags&module.FlagRead != 0 {
		out = append(out, imap.SeenFlag)
	}
	if flags&module.FlagReplied != 0 {
		out = append(out, imap.AnsweredFlag)
	}
	if flags&module.FlagMarked != 0 {
		out = append(out, imap.FlaggedFlag)
	}
	return out
}

// headerMessageID extracts the bare Message-ID from raw message bytes
// without a full header parse failing the append on oddities.
func headerMessageID(blob []byte) string {
	end := bytes.Index(blob, []byte("\r\n\r\n"))
	if end < 0 {
		end = len(blob)
	}
	for _, line := range bytes.Split(blob[:end], []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		if !bytes.EqualFold(bytes.TrimSpace(line[:colon]), []byte("Message-Id")) {
			continue
		}
		return string(bytes.Trim(bytes.TrimSpace(line[colon+1:]), "<>"))
	}
	return ""
}
