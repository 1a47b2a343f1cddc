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

// Package fcc saves message copies into folders.
//
// One Copy invocation handles one copy slot: the sent-copy folder (fcc),
// the drafts/templates folder for save modes, the outbox for queued
// messages, or the optional secondary folder (fcc2). A copy that cannot
// land in the configured folder is rerouted into a synthesized folder
// under the local root so that mail is never silently lost; for
// interactive sends the user picks between retrying, discarding and the
// local reroute.
package fcc

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/foxcpp/mailout/framework/buffer"
	"github.com/foxcpp/mailout/framework/log"
	"github.com/foxcpp/mailout/framework/module"
	"github.com/foxcpp/mailout/internal/msgfile"
)

var now = time.Now

// Engine performs folder copies. Fields are read-only after construction.
type Engine struct {
	Folders module.FolderTree
	// Prompt is nil for non-interactive frontends. Failed copies are then
	// rerouted to the local fallback without asking.
	Prompt  module.Prompter
	TempDir string
	Log     log.Logger
}

// Job describes one copy.
type Job struct {
	Identity *module.Identity
	// Comp supplies the fcc/fcc2 URI overrides and the draft-replace
	// reference. May be nil for messages that have no composition attached
	// (outbox flush).
	Comp *module.Composition
	Mode module.DeliverMode
	// Message is the canonical message file. It is not consumed: the copy
	// file either aliases it or is derived from it.
	Message buffer.Buffer
	// Date becomes the mbox envelope date and the IMAP INTERNALDATE.
	// Zero means the current time.
	Date time.Time
	// Secondary selects the fcc2 slot: optional, quiet, never prompts and
	// never falls back.
	Secondary bool
}

// Result describes where the copy landed.
type Result struct {
	// Folder is nil when no copy was made: nothing is configured for the
	// secondary slot, or the user chose to discard the failed copy.
	Folder module.Folder
	// Key addresses the landed message within Folder, module.KeyNone when
	// the backend could not recover it.
	Key module.MsgKey
	// CopyFile is the buffer handed to the folder. It aliases Job.Message
	// when the folder needed no local annotations; CopyOwned says which.
	// The caller owns the removal of an owned copy file.
	CopyFile buffer.Buffer
	// CopyOwned is set when CopyFile is a temp file created by the engine
	// rather than Job.Message itself.
	CopyOwned bool
	// FallbackTaken is set when the copy was rerouted into the synthesized
	// local folder after a failure.
	FallbackTaken bool
}

// Copy lands the message copy for the job's slot.
//
// A nil error with a nil Result.Folder means there was legitimately
// nothing to save. Errors are fatal for the primary slot; the caller
// treats secondary-slot errors as a reportable nuisance.
func (e *Engine) Copy(ctx context.Context, job *Job) (Result, error) {
	uri, fallbackName := e.slot(job)
	if job.Secondary && uri == "" {
		return Result{}, nil
	}

	date := job.Date
	if date.IsZero() {
		date = now()
	}

	mode := job.Mode
	onFallback := uri == ""
	rerouted := false

	var (
		folder  module.Folder
		cf      buffer.Buffer
		cfOwned bool
	)
	discardCf := func() {
		if cf != nil && cfOwned {
			if err := cf.Remove(); err != nil {
				e.Log.Error("copy file remove failed", err)
			}
		}
		cf = nil
		cfOwned = false
	}

	for {
		if err := ctx.Err(); err != nil {
			discardCf()
			return Result{}, err
		}

		var err error
		if folder == nil {
			if onFallback {
				folder, err = e.Folders.SynthesizeLocal(ctx, fallbackName)
			} else {
				folder, err = e.Folders.Lookup(ctx, uri)
			}
		}
		if err == nil {
			if cf == nil {
				cf, cfOwned, err = e.buildCopyFile(folder, job.Message, copyFlags(mode), date)
				if err != nil {
					// Local I/O trouble, a prompt cannot fix it.
					return Result{}, err
				}
			}

			var key module.MsgKey
			key, err = folder.Append(ctx, cf, copyFlags(mode), date)
			if err == nil {
				e.Log.DebugMsg("copy landed", "folder", folder.URI(), "key", key)
				if !rerouted {
					e.expungeReplaced(ctx, job, folder)
				}
				return Result{
					Folder:        folder,
					Key:           key,
					CopyFile:      cf,
					CopyOwned:     cfOwned,
					FallbackTaken: rerouted,
				}, nil
			}
		}

		e.Log.Error("folder copy failed", err, "folder", folderLabel(folder, uri, fallbackName))

		if job.Secondary || onFallback {
			discardCf()
			return Result{}, err
		}

		answer, perr := e.askFcc(ctx, job.Mode, folderLabel(folder, uri, fallbackName), err)
		if perr != nil {
			discardCf()
			return Result{}, perr
		}
		switch answer {
		case module.FccRetry:
			// Same folder, same copy file.
		case module.FccDiscard:
			discardCf()
			e.Log.Msg("copy discarded on user request", "folder", folderLabel(folder, uri, fallbackName))
			return Result{}, nil
		case module.FccSaveLocal:
			discardCf()
			folder = nil
			onFallback = true
			rerouted = true
			// The rescue copy is a plain sent-style save no matter what
			// the failed slot was.
			mode = module.DeliverNow
			fallbackName = "Sent-" + job.Identity.Name
			fccFallbacks.Inc()
		}
	}
}

// slot returns the explicit folder URI for the job (empty if unconfigured)
// and the name of the folder synthesized in its absence.
func (e *Engine) slot(job *Job) (uri, fallbackName string) {
	ident := job.Identity
	if job.Secondary {
		uri = ident.Fcc2URI
		if job.Comp != nil && job.Comp.Fcc2URI != "" {
			uri = job.Comp.Fcc2URI
		}
		return uri, ""
	}

	switch job.Mode {
	case module.SaveAsDraft:
		return e.replaceTarget(job, ident.DraftsURI), "Drafts-" + ident.Name
	case module.SaveAsTemplate:
		return e.replaceTarget(job, ident.TemplatesURI), "Templates-" + ident.Name
	case module.QueueForLater:
		return ident.OutboxURI, "Unsent-" + ident.Name
	default:
		uri = ident.FccURI
		if job.Comp != nil && job.Comp.FccURI != "" {
			uri = job.Comp.FccURI
		}
		return uri, "Sent-" + ident.Name
	}
}

// replaceTarget prefers the folder the draft or template was loaded from
// when it is the default folder of the slot or nested under it, so that
// saving puts the new revision next to the message it replaces.
func (e *Engine) replaceTarget(job *Job, defaultURI string) string {
	if job.Comp == nil || job.Comp.Replace == nil {
		return defaultURI
	}
	ref := job.Comp.Replace.FolderURI
	if ref == "" || defaultURI == "" {
		return defaultURI
	}
	if ref == defaultURI || strings.HasPrefix(ref, defaultURI+"/") {
		return ref
	}
	return defaultURI
}

// buildCopyFile prepares the message as it lands in the folder. Folders
// with mbox semantics get the envelope line and the status annotation
// fields prepended; folders that keep flags server-side take the message
// as-is. The owned return says whether a new temp file was created.
func (e *Engine) buildCopyFile(folder module.Folder, msg buffer.Buffer, flags module.MsgFlags, date time.Time) (cf buffer.Buffer, owned bool, err error) {
	if !folder.NeedsEnvelope() {
		return msg, false, nil
	}

	r, err := msg.Open()
	if err != nil {
		return nil, false, fmt.Errorf("fcc: message open: %w", err)
	}
	defer r.Close()

	pre := msgfile.EnvelopeLine(date) +
		msgfile.StatusField + ": " + msgfile.FormatStatus(flags) + "\r\n" +
		msgfile.Status2Field + ": " + msgfile.FormatStatus2() + "\r\n"
	cf, err = buffer.BufferInFile(io.MultiReader(strings.NewReader(pre), r), e.TempDir)
	if err != nil {
		return nil, false, fmt.Errorf("fcc: copy file: %w", err)
	}
	return cf, true, nil
}

// expungeReplaced removes the draft or template the composition was loaded
// from. Sending has succeeded at this point so failures only get logged.
func (e *Engine) expungeReplaced(ctx context.Context, job *Job, landed module.Folder) {
	if job.Secondary || job.Comp == nil || job.Comp.Replace == nil {
		return
	}
	if job.Mode != module.SaveAsDraft && job.Mode != module.SaveAsTemplate {
		return
	}
	ref := job.Comp.Replace
	if ref.MessageID == "" {
		return
	}

	folder := landed
	if ref.FolderURI != "" && ref.FolderURI != landed.URI() {
		var err error
		folder, err = e.Folders.Lookup(ctx, ref.FolderURI)
		if err != nil {
			e.Log.Error("replaced message folder is gone", err, "uri", ref.FolderURI)
			return
		}
	}
	if err := folder.Expunge(ctx, ref.MessageID); err != nil {
		e.Log.Error("replaced message expunge failed", err,
			"uri", folder.URI(), "msg_id", ref.MessageID)
	}
}

func (e *Engine) askFcc(ctx context.Context, mode module.DeliverMode, folderName string, reason error) (module.FccAnswer, error) {
	if e.Prompt == nil || mode == module.DeliverBackground {
		e.Log.Msg("folder copy failed, saving locally", "folder", folderName)
		return module.FccSaveLocal, nil
	}
	return e.Prompt.FccChoice(ctx, folderName, reason)
}

func copyFlags(mode module.DeliverMode) module.MsgFlags {
	flags := module.FlagRead
	if mode == module.QueueForLater {
		flags |= module.FlagQueued
	}
	return flags
}

func folderLabel(folder module.Folder, uri, fallbackName string) string {
	if folder != nil {
		return folder.Name()
	}
	if uri != "" {
		return uri
	}
	return fallbackName
}
