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

package msgfile

import (
	"fmt"
	"strconv"
	"time"

	"github.com/foxcpp/mailout/framework/module"
)

// Folder-local annotation fields, never sent over the wire.
const (
	StatusField  = "X-Mozilla-Status"
	Status2Field = "X-Mozilla-Status2"
	KeysField    = "X-Mozilla-Keys"
)

// EnvelopeLine returns the mbox message separator line for a folder copy.
// The sender is always the literal "-", local folders do not record one.
func EnvelopeLine(date time.Time) string {
	return "From - " + date.Format("Mon Jan 02 15:04:05 2006") + "\r\n"
}

// FormatStatus renders flags the way they are stored in the X-Mozilla-Status
// field, four lowercase hex digits.
func FormatStatus(flags module.MsgFlags) string {
	return fmt.Sprintf("%04x", uint32(flags)&0xffff)
}

// FormatStatus2 renders the X-Mozilla-Status2 value. The second status word
// holds bits the pipeline never sets, so it is always zero for new copies.
func FormatStatus2() string {
	return "00000000"
}

// ParseStatus decodes an X-Mozilla-Status value.
func ParseStatus(value string) (module.MsgFlags, error) {
	raw, err := strconv.ParseUint(value, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("msgfile: malformed %s value: %v", StatusField, err)
	}
	return module.MsgFlags(raw), nil
}
