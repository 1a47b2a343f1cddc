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

package module

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/foxcpp/mailout/framework/buffer"
)

// MsgKey is the backend-specific address of a message landed in a folder:
// the byte offset of the envelope line for mbox folders, the UID for IMAP
// mailboxes. KeyNone means the key is not known.
type MsgKey uint64

// KeyNone marks a key the backend could not recover. The zero key stays
// valid, it addresses the first message of an mbox folder.
const KeyNone MsgKey = ^MsgKey(0)

// MsgFlags is the per-message status bit set. Values match the
// X-Mozilla-Status header encoding used in local folders, IMAP folders
// translate the bits to the corresponding system flags.
type MsgFlags uint32

const (
	FlagRead     MsgFlags = 0x0001
	FlagReplied  MsgFlags = 0x0002
	FlagMarked   MsgFlags = 0x0004
	FlagExpunged MsgFlags = 0x0008
	FlagQueued   MsgFlags = 0x0800
)

// MsgInfo describes a message encountered during a folder scan.
type MsgInfo struct {
	Key       MsgKey
	MessageID string
	Flags     MsgFlags
}

var ErrNoSuchFolder = errors.New("no such folder")

// Folder is a single mailbox messages can be appended to.
type Folder interface {
	// URI returns the canonical URI the folder resolves from.
	URI() string
	// Name returns the display name of the folder.
	Name() string

	// NeedsEnvelope reports whether appended messages must start with the
	// mbox "From - <date>" separator line and the X-Mozilla-Status
	// annotation headers. The copy engine prepends both before calling
	// Append; implementations for which this returns false receive the
	// message bytes as-is.
	NeedsEnvelope() bool

	// Append stores the message and returns its key.
	//
	// The buffer contents are considered immutable and are not consumed:
	// the caller remains responsible for Remove.
	Append(ctx context.Context, msg buffer.Buffer, flags MsgFlags, date time.Time) (MsgKey, error)

	// Expunge removes the message with the specified Message-ID, or marks
	// it expunged for backends that delete lazily. Unknown Message-IDs are
	// not an error.
	Expunge(ctx context.Context, messageID string) error
}

// Lister is implemented by folders that support enumeration of their
// contents. The outbox flush requires it.
type Lister interface {
	// Walk calls fn for each non-expunged message. The reader passed to fn
	// is valid only until fn returns.
	Walk(ctx context.Context, fn func(MsgInfo, io.Reader) error) error
}

// FolderTree resolves folder URIs for one profile.
type FolderTree interface {
	// Lookup resolves the URI to an existing folder. ErrNoSuchFolder is
	// returned (possibly wrapped) when the URI points nowhere.
	Lookup(ctx context.Context, uri string) (Folder, error)

	// SynthesizeLocal returns the local folder with the specified name,
	// creating it when missing. It is the fallback destination used when
	// no copy folder is configured or the configured one failed.
	SynthesizeLocal(ctx context.Context, name string) (Folder, error)
}
