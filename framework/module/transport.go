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

	"github.com/foxcpp/mailout/framework/buffer"
)

// TransportJob is one message handed to a transport for transmission.
type TransportJob struct {
	// From is the envelope sender (bare address).
	From string

	// Recipients are the visible envelope recipients (To + Cc header
	// values, parsed and deduplicated).
	Recipients []string
	// Bcc recipients are passed out-of-band, the message header never
	// contains them.
	Bcc []string
	// Newsgroups receive the message when posting over NNTP.
	Newsgroups []string

	// MessageID identifies the message in logs and status lines.
	MessageID string

	// DSN requests a delivery status notification from the server.
	DSN bool

	// Password overrides the configured account secret for this job only.
	// Used when the stored secret is absent and the frontend prompted for
	// one.
	Password string

	// Status accepts human-readable progress lines ("Delivering mail...").
	// May be nil.
	Status func(line string)

	// Body is the complete message as it should appear on the wire, Bcc
	// already stripped. Not consumed; the caller owns it.
	Body buffer.Buffer
}

// Transport delivers messages to a remote server.
//
// Implementations classify their failures: errors are annotated with
// exterrors field sets (remote_server attribution, protocol codes) and
// temporary-ness so the orchestrator can render them without knowing the
// protocol.
type Transport interface {
	// Server returns the display name of the configured server endpoint,
	// used in error messages and security notifications.
	Server() string

	// Send transmits the message. Cancelling the context aborts the
	// exchange at the next protocol step.
	Send(ctx context.Context, job *TransportJob) error
}

// SecurityError wraps a TLS handshake or certificate verification failure.
// Transports return it so the orchestrator can report the failure via
// SendListener.TransportSecurityError before the regular error path, giving
// the frontend a chance to offer a certificate override dialog.
type SecurityError struct {
	Err error
}

func (e *SecurityError) Error() string {
	return "connection is not secure: " + e.Err.Error()
}

func (e *SecurityError) Unwrap() error {
	return e.Err
}
