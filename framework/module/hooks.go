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

// Builder serializes a composition into a complete MIME message. The
// implementation lives in the composer frontend; the pipeline treats it as
// an opaque operation that either produces a file or fails the send before
// anything touched the network.
type Builder interface {
	// Build writes the message to a new file-backed buffer. The returned
	// buffer is owned by the caller and removed during cleanup.
	Build(ctx context.Context, comp *Composition) (buffer.Buffer, error)
}

// FilterHook applies post-send filters to a message copy landed in a
// folder. Filter failures never undo a completed send; the orchestrator
// records and reports them without blocking the pipeline.
type FilterHook interface {
	Apply(ctx context.Context, folder Folder, key MsgKey, comp *Composition) error
}

// FccAnswer is the user's choice for a failed folder copy.
type FccAnswer int

const (
	// FccRetry re-attempts the copy against the same configured folder.
	FccRetry FccAnswer = iota
	// FccDiscard treats the copy as successful without saving anything.
	FccDiscard
	// FccSaveLocal redirects the copy to the synthesized local fallback
	// folder.
	FccSaveLocal
)

// Prompter asks the interactive user for decisions the pipeline cannot make
// itself. A nil Prompter means the frontend is non-interactive; the
// pipeline then picks the conservative default for each question and logs
// it.
type Prompter interface {
	// ConfirmSend asks for confirmation before contacting the network,
	// e.g. when the message exceeds the size warning threshold. Returning
	// false cancels the send.
	ConfirmSend(ctx context.Context, question string) (bool, error)

	// FccChoice asks what to do about the failed copy into folderName.
	FccChoice(ctx context.Context, folderName string, reason error) (FccAnswer, error)
}

// SendHandle is the cancellable handle the listener receives when the
// pipeline starts.
type SendHandle interface {
	Abort()
}

// SendListener observes the lifecycle of one send.
//
// StoppedSending is called exactly once per send. StoppedCopy is called if
// and only if the copy phase was entered. TransportSecurityError precedes
// the StoppedSending call that reports the same failure.
type SendListener interface {
	StartedSending(h SendHandle)
	Status(line string)
	StoppedSending(err error)
	StoppedCopy(err error)
	TransportSecurityError(server string, err error)
}

// NopListener implements SendListener with no-ops. Embed it to implement
// only the callbacks of interest.
type NopListener struct{}

func (NopListener) StartedSending(SendHandle)            {}
func (NopListener) Status(string)                        {}
func (NopListener) StoppedSending(error)                 {}
func (NopListener) StoppedCopy(error)                    {}
func (NopListener) TransportSecurityError(string, error) {}
