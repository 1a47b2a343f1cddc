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
	"context"
	"errors"
	"io/ioutil"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapserver "github.com/emersion/go-imap/server"
	"github.com/foxcpp/mailout/framework/buffer"
	"github.com/foxcpp/mailout/framework/config"
	"github.com/foxcpp/mailout/framework/module"
	"github.com/foxcpp/mailout/internal/testutils"
)

func imapServer(t *testing.T) (*memory.Backend, func()) {
	t.Helper()

	be := memory.New()
	s := imapserver.New(be)
	s.AllowInsecureAuth = true

	l, err := net.Listen("tcp", "127.0.0.1:"+testPort)
	if err != nil {
		t.Fatal(err)
	}
	go s.Serve(l)

	return be, func() {
		s.Close()
	}
}

func testIMAPTree(t *testing.T) *Tree {
	tree := testTree(t)
	tree.accounts["test"] = &imapAccount{
		name:           "test",
		endpoint:       config.Endpoint{Scheme: "tcp", Host: "127.0.0.1", Port: testPort},
		user:           "username",
		password:       "password",
		connectTimeout: 5 * time.Second,
		commandTimeout: 5 * time.Second,
		log:            testutils.Logger(t, "folders/imap"),
	}
	return tree
}

func createMailbox(t *testing.T, be *memory.Backend, name string) {
	t.Helper()

	u, err := be.Login(nil, "username", "password")
	if err != nil {
		t.Fatal(err)
	}
	if err := u.CreateMailbox(name); err != nil {
		t.Fatal(err)
	}
}

func listMessages(t *testing.T, be *memory.Backend, mailbox string) []*imap.Message {
	t.Helper()

	u, err := be.Login(nil, "username", "password")
	if err != nil {
		t.Fatal(err)
	}
	mbox, err := u.GetMailbox(mailbox)
	if err != nil {
		t.Fatal(err)
	}

	seq, _ := imap.ParseSeqSet("1:*")
	section := &imap.BodySectionName{}
	ch := make(chan *imap.Message, 16)
	err = mbox.ListMessages(false, seq,
		[]imap.FetchItem{imap.FetchFlags, imap.FetchUid, section.FetchItem()}, ch)
	if err != nil {
		t.Fatal(err)
	}

	var msgs []*imap.Message
	for msg := range ch {
		msgs = append(msgs, msg)
	}
	return msgs
}

func messageBlob(t *testing.T, msg *imap.Message) string {
	t.Helper()

	lit := msg.GetBody(&imap.BodySectionName{})
	if lit == nil {
		t.Fatal("No body section fetched")
	}
	blob, err := ioutil.ReadAll(lit)
	if err != nil {
		t.Fatal(err)
	}
	return string(blob)
}

func TestIMAPLookup(t *testing.T) {
	_, stop := imapServer(t)
	defer stop()
	tree := testIMAPTree(t)

	f, err := tree.Lookup(context.Background(), "imap://test/INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if f.URI() != "imap://test/INBOX" {
		t.Errorf("Wrong URI: %v", f.URI())
	}
	if f.Name() != "INBOX" {
		t.Errorf("Wrong Name: %v", f.Name())
	}
	if f.NeedsEnvelope() {
		t.Error("IMAP folders do not need envelopes")
	}

	_, err = tree.Lookup(context.Background(), "imap://test/Nope")
	if !errors.Is(err, module.ErrNoSuchFolder) {
		t.Errorf("Expected ErrNoSuchFolder, got %v", err)
	}
}

func TestIMAPAppend(t *testing.T) {
	be, stop := imapServer(t)
	defer stop()
	tree := testIMAPTree(t)
	createMailbox(t, be, "Sent")

	f, err := tree.Lookup(context.Background(), "imap://test/Sent")
	if err != nil {
		t.Fatal(err)
	}

	blob := "Message-Id: <landed@example.org>\r\n" +
		"Subject: landed\r\n" +
		"\r\n" +
		"IMAP body\r\n"
	key, err := f.Append(context.Background(), buffer.MemoryBuffer{Slice: []byte(blob)},
		module.FlagRead|module.FlagReplied, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if key == module.KeyNone {
		t.Error("Landed message key was not recovered")
	}

	msgs := listMessages(t, be, "Sent")
	if len(msgs) != 1 {
		t.Fatalf("Wrong amount of messages: %v", len(msgs))
	}
	if module.MsgKey(msgs[0].Uid) != key {
		t.Errorf("Key %v does not match the landed UID %v", key, msgs[0].Uid)
	}

	flags := make(map[string]bool)
	for _, fl := range msgs[0].Flags {
		flags[imap.CanonicalFlag(fl)] = true
	}
	if !flags[imap.CanonicalFlag(imap.SeenFlag)] || !flags[imap.CanonicalFlag(imap.AnsweredFlag)] {
		t.Errorf("Wrong flags: %v", msgs[0].Flags)
	}

	landed := messageBlob(t, msgs[0])
	if !strings.Contains(landed, "Subject: landed") || !strings.Contains(landed, "IMAP body") {
		t.Errorf("Wrong landed message:\n%q", landed)
	}
}

func TestIMAPAppend_NoMessageID(t *testing.T) {
	be, stop := imapServer(t)
	defer stop()
	tree := testIMAPTree(t)
	createMailbox(t, be, "Sent")

	f, err := tree.Lookup(context.Background(), "imap://test/Sent")
	if err != nil {
		t.Fatal(err)
	}

	key, err := f.Append(context.Background(),
		buffer.MemoryBuffer{Slice: []byte("Subject: anon\r\n\r\nbody\r\n")},
		module.FlagRead, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if key != module.KeyNone {
		t.Errorf("Expected an unknown key, got %v", key)
	}
	if msgs := listMessages(t, be, "Sent"); len(msgs) != 1 {
		t.Errorf("Wrong amount of messages: %v", len(msgs))
	}
}

func TestIMAPExpunge(t *testing.T) {
	be, stop := imapServer(t)
	defer stop()
	tree := testIMAPTree(t)
	createMailbox(t, be, "Sent")

	f, err := tree.Lookup(context.Background(), "imap://test/Sent")
	if err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"one@example.org", "two@example.org"} {
		blob := "Message-Id: <" + id + ">\r\n\r\nbody\r\n"
		if _, err := f.Append(context.Background(), buffer.MemoryBuffer{Slice: []byte(blob)},
			module.FlagRead, time.Now()); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.Expunge(context.Background(), "one@example.org"); err != nil {
		t.Fatal(err)
	}

	msgs := listMessages(t, be, "Sent")
	if len(msgs) != 1 {
		t.Fatalf("Wrong amount of messages: %v", len(msgs))
	}
	if landed := messageBlob(t, msgs[0]); !strings.Contains(landed, "two@example.org") {
		t.Errorf("Wrong message survived:\n%q", landed)
	}

	// Unknown Message-IDs are not an error.
	if err := f.Expunge(context.Background(), "ghost@example.org"); err != nil {
		t.Fatal(err)
	}
	if msgs := listMessages(t, be, "Sent"); len(msgs) != 1 {
		t.Errorf("Wrong amount of messages: %v", len(msgs))
	}
}
