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

// Package msgfile implements transformations of built message files.
//
// The canonical message file produced by the composer is treated as
// immutable. Everything here either inspects it or derives a new
// file-backed buffer from it, preserving untouched header fields and the
// body byte-for-byte (the header codec is raw-preserving).
package msgfile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/mailout/framework/address"
	"github.com/foxcpp/mailout/framework/buffer"
	"github.com/google/uuid"
)

var (
	msgIDField = func() (string, error) {
		id, err := uuid.NewRandom()
		if err != nil {
			return "", err
		}
		return id.String(), nil
	}

	now = time.Now
)

// Header reads the message header without consuming the buffer.
func Header(msg buffer.Buffer) (textproto.Header, error) {
	r, err := msg.Open()
	if err != nil {
		return textproto.Header{}, err
	}
	defer r.Close()

	hdr, err := textproto.ReadHeader(bufio.NewReader(r))
	if err != nil {
		return textproto.Header{}, fmt.Errorf("msgfile: malformed header: %v", err)
	}
	return hdr, nil
}

// Rewrite derives a new file-backed buffer from msg with hdr substituted
// for the original header. The body is copied byte-exact. msg itself is
// left untouched.
func Rewrite(msg buffer.Buffer, hdr textproto.Header, dir string) (buffer.Buffer, error) {
	r, err := msg.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	bufR := bufio.NewReader(r)
	if _, err := textproto.ReadHeader(bufR); err != nil {
		return nil, fmt.Errorf("msgfile: malformed header: %v", err)
	}

	var hdrBlob bytes.Buffer
	if err := textproto.WriteHeader(&hdrBlob, hdr); err != nil {
		return nil, err
	}

	return buffer.BufferInFile(io.MultiReader(&hdrBlob, bufR), dir)
}

// StripBcc produces the delivery variant of the message: the file that
// actually goes over the wire. If the header carries no Bcc field, msg
// itself is returned and copied is false; the caller must not double-count
// it for cleanup. Otherwise a new buffer without the Bcc field (including
// its folded continuation lines) is created in dir.
func StripBcc(msg buffer.Buffer, dir string) (out buffer.Buffer, copied bool, err error) {
	hdr, err := Header(msg)
	if err != nil {
		return nil, false, err
	}

	if !hdr.Has("Bcc") {
		return msg, false, nil
	}

	hdr.Del("Bcc")
	out, err = Rewrite(msg, hdr, dir)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// Prepare fills in the header fields the composer is allowed to omit:
// Message-ID (uuid@hostname) and Date. It reports whether the header was
// changed so the caller knows to rewrite the message file.
func Prepare(hdr *textproto.Header, hostname string) (bool, error) {
	changed := false

	if hdr.Get("Message-ID") == "" {
		id, err := msgIDField()
		if err != nil {
			return false, errors.New("msgfile: Message-ID generation failed")
		}
		hdr.Set("Message-ID", "<"+id+"@"+hostname+">")
		changed = true
	}

	if hdr.Get("Date") == "" {
		hdr.Set("Date", now().UTC().Format("Mon, 2 Jan 2006 15:04:05 -0700"))
		changed = true
	}

	return changed, nil
}

// MessageID returns the bare Message-ID value, without the angle brackets.
func MessageID(hdr textproto.Header) string {
	return strings.Trim(strings.TrimSpace(hdr.Get("Message-ID")), "<>")
}

// StripLocal removes the folder-local annotation fields from a message
// re-read out of a local folder. It reports whether anything was removed.
func StripLocal(hdr *textproto.Header) bool {
	changed := false
	for _, field := range [...]string{StatusField, Status2Field, KeysField} {
		if hdr.Has(field) {
			hdr.Del(field)
			changed = true
		}
	}
	return changed
}

// RecipientSet is the complete set of delivery destinations extracted from
// a message header.
type RecipientSet struct {
	// Visible is To plus Cc, in header order. Duplicates (up to address
	// normalization) get exactly one envelope copy.
	Visible []string
	// Bcc receive an envelope copy without appearing in the transmitted
	// header. Addresses already in Visible are dropped.
	Bcc []string
	// Newsgroups are the names from the Newsgroups field.
	Newsgroups []string
}

func (rs *RecipientSet) Empty() bool {
	return len(rs.Visible) == 0 && len(rs.Bcc) == 0 && len(rs.Newsgroups) == 0
}

// Recipients extracts and validates the recipient sets from the header.
func Recipients(hdr textproto.Header) (*RecipientSet, error) {
	rs := &RecipientSet{}
	seen := map[string]struct{}{}

	for _, field := range [...]string{"To", "Cc"} {
		if err := appendAddrs(&rs.Visible, seen, hdr.Get(field), field); err != nil {
			return nil, err
		}
	}
	if err := appendAddrs(&rs.Bcc, seen, hdr.Get("Bcc"), "Bcc"); err != nil {
		return nil, err
	}

	for _, group := range strings.Split(hdr.Get("Newsgroups"), ",") {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		rs.Newsgroups = append(rs.Newsgroups, group)
	}

	return rs, nil
}

func appendAddrs(into *[]string, seen map[string]struct{}, value, field string) error {
	if value == "" {
		return nil
	}

	list, err := mail.ParseAddressList(value)
	if err != nil {
		return fmt.Errorf("msgfile: malformed %s field: %v", field, err)
	}

	for _, a := range list {
		if !address.Valid(a.Address) {
			return fmt.Errorf("msgfile: invalid address in %s: %s", field, a.Address)
		}
		key, err := address.ForLookup(a.Address)
		if err != nil {
			return fmt.Errorf("msgfile: %s: %v", field, err)
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		*into = append(*into, a.Address)
	}
	return nil
}
