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

package testutils

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/mailout/framework/buffer"
	"github.com/foxcpp/mailout/framework/module"
)

// MemMsg is a message stored by MemFolder.
type MemMsg struct {
	Key       module.MsgKey
	MessageID string
	Flags     module.MsgFlags
	Date      time.Time
	Body      []byte
}

// MemFolder is an in-memory module.Folder (and module.Lister) with
// injectable errors.
type MemFolder struct {
	FolderURI  string
	FolderName string
	Envelope   bool

	// AppendErr fails Append. With AppendFails zero the failure is
	// permanent, otherwise only the first AppendFails calls fail.
	AppendErr   error
	AppendFails int
	ExpungeErr  error
	WalkErr     error

	AppendCalls int

	Msgs     []MemMsg
	Expunged []string

	nextKey module.MsgKey
}

func (f *MemFolder) URI() string {
	return f.FolderURI
}

func (f *MemFolder) Name() string {
	return f.FolderName
}

func (f *MemFolder) NeedsEnvelope() bool {
	return f.Envelope
}

func (f *MemFolder) Append(_ context.Context, msg buffer.Buffer, flags module.MsgFlags, date time.Time) (module.MsgKey, error) {
	f.AppendCalls++
	if f.AppendErr != nil {
		err := f.AppendErr
		if f.AppendFails > 0 {
			f.AppendFails--
			if f.AppendFails == 0 {
				f.AppendErr = nil
			}
		}
		return 0, err
	}

	r, err := msg.Open()
	if err != nil {
		return 0, err
	}
	defer r.Close()
	blob, err := ioutil.ReadAll(r)
	if err != nil {
		return 0, err
	}

	f.nextKey++
	f.Msgs = append(f.Msgs, MemMsg{
		Key:       f.nextKey,
		MessageID: msgID(blob),
		Flags:     flags,
		Date:      date,
		Body:      blob,
	})
	return f.nextKey, nil
}

func (f *MemFolder) Expunge(_ context.Context, messageID string) error {
	if f.ExpungeErr != nil {
		return f.ExpungeErr
	}

	f.Expunged = append(f.Expunged, messageID)
	for i, m := range f.Msgs {
		if m.MessageID == messageID {
			f.Msgs = append(f.Msgs[:i], f.Msgs[i+1:]...)
			break
		}
	}
	return nil
}

func (f *MemFolder) Walk(_ context.Context, fn func(module.MsgInfo, io.Reader) error) error {
	if f.WalkErr != nil {
		return f.WalkErr
	}

	for _, m := range f.Msgs {
		if m.Flags&module.FlagExpunged != 0 {
			continue
		}
		info := module.MsgInfo{Key: m.Key, MessageID: m.MessageID, Flags: m.Flags}
		if err := fn(info, bytes.NewReader(m.Body)); err != nil {
			return err
		}
	}
	return nil
}

func (f *MemFolder) CheckStored(t *testing.T, count int) {
	t.Helper()
	if len(f.Msgs) != count {
		t.Errorf("Wrong amount of messages in %s: want %d, got %d", f.FolderName, count, len(f.Msgs))
	}
}

// msgID extracts the bare Message-ID value, skipping over the mbox
// separator line if the message was stored with one.
func msgID(blob []byte) string {
	if bytes.HasPrefix(blob, []byte("From ")) {
		if i := bytes.IndexByte(blob, '\n'); i >= 0 {
			blob = blob[i+1:]
		}
	}
	hdr, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(blob)))
	if err != nil {
		return ""
	}
	return strings.Trim(hdr.Get("Message-Id"), "<>")
}

// MemTree is an in-memory module.FolderTree.
type MemTree struct {
	Folders map[string]*MemFolder

	LookupErr map[string]error
	SynthErr  error

	Synthesized []string
}

// Add registers a folder under the specified URI. Folders are created with
// Envelope set since that is what the local (mbox) backend does.
func (tr *MemTree) Add(uri, name string) *MemFolder {
	if tr.Folders == nil {
		tr.Folders = map[string]*MemFolder{}
	}
	f := &MemFolder{FolderURI: uri, FolderName: name, Envelope: true}
	tr.Folders[uri] = f
	return f
}

func (tr *MemTree) Lookup(_ context.Context, uri string) (module.Folder, error) {
	if err := tr.LookupErr[uri]; err != nil {
		return nil, err
	}
	f, ok := tr.Folders[uri]
	if !ok {
		return nil, fmt.Errorf("lookup %s: %w", uri, module.ErrNoSuchFolder)
	}
	return f, nil
}

func (tr *MemTree) SynthesizeLocal(_ context.Context, name string) (module.Folder, error) {
	if tr.SynthErr != nil {
		return nil, tr.SynthErr
	}

	tr.Synthesized = append(tr.Synthesized, name)
	uri := "mailbox://local/" + name
	if f, ok := tr.Folders[uri]; ok {
		return f, nil
	}
	return tr.Add(uri, name), nil
}
