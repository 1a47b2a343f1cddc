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
	"context"
	"strings"

	"github.com/foxcpp/mailout/framework/buffer"
	"github.com/foxcpp/mailout/framework/module"
)

// Prompter is a scripted module.Prompter. Answers are popped front to back,
// an exhausted script answers "yes" and "discard".
type Prompter struct {
	ConfirmAnswers []bool
	FccAnswers     []module.FccAnswer

	ConfirmErr error
	FccErr     error

	Questions  []string
	FccFolders []string
	FccReasons []error
}

func (p *Prompter) ConfirmSend(_ context.Context, question string) (bool, error) {
	p.Questions = append(p.Questions, question)
	if p.ConfirmErr != nil {
		return false, p.ConfirmErr
	}
	if len(p.ConfirmAnswers) == 0 {
		return true, nil
	}
	ans := p.ConfirmAnswers[0]
	p.ConfirmAnswers = p.ConfirmAnswers[1:]
	return ans, nil
}

func (p *Prompter) FccChoice(_ context.Context, folderName string, reason error) (module.FccAnswer, error) {
	p.FccFolders = append(p.FccFolders, folderName)
	p.FccReasons = append(p.FccReasons, reason)
	if p.FccErr != nil {
		return module.FccDiscard, p.FccErr
	}
	if len(p.FccAnswers) == 0 {
		return module.FccDiscard, nil
	}
	ans := p.FccAnswers[0]
	p.FccAnswers = p.FccAnswers[1:]
	return ans, nil
}

// Builder is a fake module.Builder returning a canned message.
type Builder struct {
	Literal string
	Err     error
	// Buffer is returned instead of a MemoryBuffer with Literal contents
	// when set.
	Buffer buffer.Buffer

	Built []*module.Composition
}

func (b *Builder) Build(_ context.Context, comp *module.Composition) (buffer.Buffer, error) {
	b.Built = append(b.Built, comp)
	if b.Err != nil {
		return nil, b.Err
	}
	if b.Buffer != nil {
		return b.Buffer, nil
	}
	return buffer.MemoryBuffer{Slice: []byte(b.Literal)}, nil
}

// Filter is a fake module.FilterHook.
type Filter struct {
	Err   error
	Calls []FilterCall
}

type FilterCall struct {
	FolderURI string
	Key       module.MsgKey
}

func (f *Filter) Apply(_ context.Context, folder module.Folder, key module.MsgKey, _ *module.Composition) error {
	f.Calls = append(f.Calls, FilterCall{FolderURI: folder.URI(), Key: key})
	return f.Err
}

// Listener records module.SendListener callbacks. Callbacks are invoked
// from the goroutine running the send so no locking is done.
type Listener struct {
	Handle module.SendHandle

	StatusLines []string
	SendErr     error
	SendDone    bool
	CopyErr     error
	CopyDone    bool

	SecurityServer string
	SecurityErr    error

	// AbortOn aborts the send via Handle when a status line containing it
	// is reported.
	AbortOn string
}

func (l *Listener) StartedSending(h module.SendHandle) {
	l.Handle = h
}

func (l *Listener) Status(line string) {
	l.StatusLines = append(l.StatusLines, line)
	if l.AbortOn != "" && strings.Contains(line, l.AbortOn) && l.Handle != nil {
		l.Handle.Abort()
	}
}

func (l *Listener) StoppedSending(err error) {
	l.SendDone = true
	l.SendErr = err
}

func (l *Listener) StoppedCopy(err error) {
	l.CopyDone = true
	l.CopyErr = err
}

func (l *Listener) TransportSecurityError(server string, err error) {
	l.SecurityServer = server
	l.SecurityErr = err
}

// CountingBuffer wraps a Buffer and counts Remove calls.
type CountingBuffer struct {
	buffer.Buffer
	RemoveCount *int
}

func (cb CountingBuffer) Remove() error {
	*cb.RemoveCount++
	return cb.Buffer.Remove()
}
