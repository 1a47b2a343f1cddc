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
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-mbox"
	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/mailout/framework/buffer"
	"github.com/foxcpp/mailout/framework/module"
	"github.com/foxcpp/mailout/internal/msgfile"
)

// mboxFolder is a single local mbox file. Append returns the byte offset
// of the written envelope line as the message key, which is what a
// Mozilla-style frontend stores in its folder index.
//
// Appends are serialized per file through the tree lock table. Messages
// are stored byte-for-byte as built by the copy engine, with "From "
// body lines escaped to ">From " on the way in.
type mboxFolder struct {
	tree *Tree
	uri  string
	name string
	path string
}

func (t *Tree) lookupMbox(uri, rel string) (module.Folder, error) {
	path := filepath.Join(t.localRoot, rel)

	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("folders: lookup %s: %w", uri, module.ErrNoSuchFolder)
		}
		return nil, fmt.Errorf("folders: lookup %s: %v", uri, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("folders: lookup %s: not a mailbox file: %w", uri, module.ErrNoSuchFolder)
	}

	return &mboxFolder{tree: t, uri: uri, name: rel, path: path}, nil
}

func (t *Tree) synthesizeMbox(uri, rel string) (module.Folder, error) {
	path := filepath.Join(t.localRoot, rel)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("folders: synthesize %s: %v", uri, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("folders: synthesize %s: %v", uri, err)
	}
	f.Close()

	return &mboxFolder{tree: t, uri: uri, name: rel, path: path}, nil
}

func (f *mboxFolder) URI() string {
	return f.uri
}

func (f *mboxFolder) Name() string {
	return f.name
}

func (f *mboxFolder) NeedsEnvelope() bool {
	return true
}

func (f *mboxFolder) Append(ctx context.Context, msg buffer.Buffer, flags module.MsgFlags, date time.Time) (module.MsgKey, error) {
	// The flags argument is not used here: for mbox folders the flags are
	// already inside the message, in the X-Mozilla-Status field written by
	// the copy engine.
	lock := f.tree.pathLock(f.path)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r, err := msg.Open()
	if err != nil {
		return 0, fmt.Errorf("folders: append %s: %v", f.uri, err)
	}
	defer r.Close()

	file, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return 0, fmt.Errorf("folders: append %s: %v", f.uri, err)
	}
	defer file.Close()

	offset, err := appendMbox(file, r, date)
	if err != nil {
		return 0, fmt.Errorf("folders: append %s: %v", f.uri, err)
	}

	if err := file.Sync(); err != nil {
		return 0, fmt.Errorf("folders: append %s: %v", f.uri, err)
	}

	f.tree.log.DebugMsg("message appended", "folder", f.uri, "key", offset)
	return module.MsgKey(offset), nil
}

// appendMbox writes one message at the end of the file and returns the
// offset it starts at. A blank separator line is guaranteed before (for
// files last written by other software) and after the message.
func appendMbox(file *os.File, r io.Reader, date time.Time) (int64, error) {
	size, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}

	if size > 0 {
		n := int64(3)
		if size < n {
			n = size
		}
		tail := make([]byte, n)
		if _, err := file.ReadAt(tail, size-n); err != nil {
			return 0, err
		}
		switch {
		case tail[len(tail)-1] != '\n':
			_, err = file.Write([]byte("\r\n\r\n"))
		case bytes.HasSuffix(tail, []byte("\n\n")) || bytes.HasSuffix(tail, []byte("\n\r\n")):
		default:
			_, err = file.Write([]byte("\r\n"))
		}
		if err != nil {
			return 0, err
		}
		size, err = file.Seek(0, io.SeekEnd)
		if err != nil {
			return 0, err
		}
	}

	w := bufio.NewWriter(file)
	br := bufio.NewReader(r)
	first := true
	lastByte := byte('\n')
	for {
		line, rerr := br.ReadBytes('\n')
		if len(line) > 0 {
			if first {
				first = false
				if !bytes.HasPrefix(line, []byte("From ")) {
					// The copy engine normally provides the envelope line,
					// synthesize one for messages appended without it.
					if _, err := w.WriteString(msgfile.EnvelopeLine(date)); err != nil {
						return 0, err
					}
				}
			} else if bytes.HasPrefix(line, []byte("From ")) {
				if err := w.WriteByte('>'); err != nil {
					return 0, err
				}
			}
			if _, err := w.Write(line); err != nil {
				return 0, err
			}
			lastByte = line[len(line)-1]
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return 0, rerr
		}
	}
	if lastByte != '\n' {
		if _, err := w.WriteString("\r\n"); err != nil {
			return 0, err
		}
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return 0, err
	}
	if err := w.Flush(); err != nil {
		return 0, err
	}

	return size, nil
}

func (f *mboxFolder) Expunge(ctx context.Context, messageID string) error {
	lock := f.tree.pathLock(f.path)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	file, err := os.OpenFile(f.path, os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("folders: expunge %s: %v", f.uri, err)
	}
	defer file.Close()

	loc, found, err := findStatus(file, messageID)
	if err != nil {
		return fmt.Errorf("folders: expunge %s: %v", f.uri, err)
	}
	if !found {
		return nil
	}

	patched := msgfile.FormatStatus(loc.flags | module.FlagExpunged)
	if _, err := file.WriteAt([]byte(patched), loc.valueOff); err != nil {
		return fmt.Errorf("folders: expunge %s: %v", f.uri, err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("folders: expunge %s: %v", f.uri, err)
	}

	f.tree.log.DebugMsg("message expunged", "folder", f.uri, "msg_id", messageID)
	return nil
}

// statusLoc addresses the X-Mozilla-Status value of one stored message.
type statusLoc struct {
	valueOff int64
	flags    module.MsgFlags
}

// findStatus scans the mbox stream for the message with the given
// Message-ID and locates its status field for an in-place patch. The
// value is always four hex digits so setting a bit never shifts bytes.
func findStatus(r io.Reader, messageID string) (statusLoc, bool, error) {
	var (
		br        = bufio.NewReader(r)
		offset    int64
		prevBlank = true
		inHeader  bool
		cur       statusLoc
		curHas    bool
		curID     string
	)

	check := func() (statusLoc, bool, error) {
		if curID != messageID {
			return statusLoc{}, false, nil
		}
		if !curHas {
			return statusLoc{}, false, fmt.Errorf("message %s has no %s field", messageID, msgfile.StatusField)
		}
		return cur, true, nil
	}

	for {
		line, rerr := br.ReadBytes('\n')
		if len(line) > 0 {
			lineOff := offset
			offset += int64(len(line))
			trimmed := strings.TrimRight(string(line), "\r\n")

			switch {
			case prevBlank && bytes.HasPrefix(line, []byte("From ")):
				inHeader = true
				curHas = false
				cur = statusLoc{}
				curID = ""
			case inHeader && trimmed == "":
				inHeader = false
				if loc, found, err := check(); found || err != nil {
					return loc, found, err
				}
			case inHeader:
				colon := strings.IndexByte(trimmed, ':')
				if colon < 0 {
					break
				}
				name := strings.ToLower(strings.TrimSpace(trimmed[:colon]))
				rest := trimmed[colon+1:]
				value := strings.TrimSpace(rest)

				switch name {
				case strings.ToLower(msgfile.StatusField):
					flags, err := msgfile.ParseStatus(value)
					if err != nil {
						break
					}
					if len(value) != 4 {
						break
					}
					valueAt := colon + 1 + (len(rest) - len(strings.TrimLeft(rest, " \t")))
					cur = statusLoc{
						valueOff: lineOff + int64(valueAt),
						flags:    flags,
					}
					curHas = true
				case "message-id":
					curID = strings.Trim(value, "<>")
				}
			}

			prevBlank = trimmed == ""
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return statusLoc{}, false, rerr
		}
	}

	if inHeader {
		return check()
	}
	return statusLoc{}, false, nil
}

// Walk implements module.Lister. Keys are 1-based ordinals: the scan
// addresses messages by Message-ID, offsets are not recoverable through
// the mbox reader.
func (f *mboxFolder) Walk(ctx context.Context, fn func(module.MsgInfo, io.Reader) error) error {
	lock := f.tree.pathLock(f.path)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("folders: walk %s: %v", f.uri, err)
	}
	defer file.Close()

	mr := mbox.NewReader(file)
	var ordinal uint64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgR, err := mr.NextMessage()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("folders: walk %s: %v", f.uri, err)
		}
		ordinal++

		br := bufio.NewReader(msgR)
		hdr, err := textproto.ReadHeader(br)
		if err != nil {
			f.tree.log.Error("skipping malformed message", err, "folder", f.uri, "ordinal", ordinal)
			continue
		}

		info := module.MsgInfo{
			Key:       module.MsgKey(ordinal),
			MessageID: strings.Trim(hdr.Get("Message-Id"), "<>"),
		}
		if v := hdr.Get(msgfile.StatusField); v != "" {
			flags, err := msgfile.ParseStatus(strings.TrimSpace(v))
			if err != nil {
				f.tree.log.Error("skipping message with malformed status", err, "folder", f.uri, "ordinal", ordinal)
				continue
			}
			info.Flags = flags
		}
		if info.Flags&module.FlagExpunged != 0 {
			continue
		}

		var hdrBlob bytes.Buffer
		if err := textproto.WriteHeader(&hdrBlob, hdr); err != nil {
			return fmt.Errorf("folders: walk %s: %v", f.uri, err)
		}
		if err := fn(info, io.MultiReader(&hdrBlob, br)); err != nil {
			return err
		}
	}
	return nil
}
