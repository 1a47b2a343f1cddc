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

// Package send implements the outgoing-message pipeline: a per-identity
// state machine that builds the message file, delivers it over the
// configured transports, lands folder copies, applies post-send filters
// and removes every temporary file created along the way.
//
// Each Sender.Send call runs on its own goroutine and reports through the
// job's SendListener. The pipeline states are Building, Delivering,
// PrimaryCopy, Filtering and SecondaryCopy, with Done, Failed and Aborted
// absorbing. StoppedSending fires exactly once per send; StoppedCopy fires
// if and only if the copy phase was entered, after the state loop exits.
package send

import (
	"context"
	"errors"
	"fmt"

	"github.com/foxcpp/mailout/framework/buffer"
	"github.com/foxcpp/mailout/framework/log"
	"github.com/foxcpp/mailout/framework/module"
	"github.com/foxcpp/mailout/internal/embed"
	"github.com/foxcpp/mailout/internal/fcc"
	"github.com/foxcpp/mailout/internal/msgfile"
)

// ErrAborted is reported when the operation was cancelled via
// Operation.Abort or the parent context.
var ErrAborted = errors.New("send: aborted")

// ErrSizeDeclined is reported when the user declined the oversized-message
// confirmation. Frontends show no alert for it.
var ErrSizeDeclined = errors.New("operation cancelled")

// Policy carries the per-identity preferences that gate pipeline behavior.
type Policy struct {
	// WarnSize makes sends of messages larger than this many bytes ask for
	// confirmation before the network is contacted. Zero disables the
	// check.
	WarnSize int64

	// EmbedRemoteImages lets the resource extractor download remote images
	// referenced by the composition document and attach them.
	EmbedRemoteImages bool
}

// Sender runs send pipelines for one identity. Fields are read-only after
// construction.
type Sender struct {
	Identity *module.Identity

	// Transport delivers to mail recipients, News posts to newsgroups.
	// News may be nil when the identity has no news server configured.
	Transport module.Transport
	News      module.Transport

	Folders module.FolderTree

	// Filter is applied to delivered messages landed in the sent folder.
	// Nil disables filtering.
	Filter module.FilterHook

	// Prompt is nil for non-interactive frontends.
	Prompt module.Prompter

	Builder module.Builder

	Policy  Policy
	TempDir string
	Log     log.Logger
}

// Job describes one send.
type Job struct {
	Mode module.DeliverMode

	// Comp is the composition to build. It may be nil when File supplies a
	// pre-built message (outbox flush).
	Comp *module.Composition

	// File is a pre-built message file; when set the builder is not
	// invoked. FileOwned transfers its removal to the pipeline.
	File      buffer.Buffer
	FileOwned bool

	// DontDeliver stops the pipeline after the message file is built and
	// hands the file to the caller via Operation.File. No network, no
	// folder copies.
	DontDeliver bool

	// DSN requests a delivery status notification from the mail server.
	DSN bool

	// Password overrides the stored transport secret for this job.
	Password string

	// Listener observes the send. Nil is allowed.
	Listener module.SendListener
}

type state int

const (
	stateBuilding state = iota
	stateDelivering
	statePrimaryCopy
	stateFiltering
	stateSecondaryCopy
	stateDone
	stateFailed
	stateAborted
)

// Operation is the handle of one running send. Sender.Send returns it with
// the pipeline goroutine already started.
type Operation struct {
	s   *Sender
	job *Job

	ctx      context.Context
	cancel   context.CancelFunc
	listener module.SendListener
	log      log.Logger

	report Report
	files  fileRegistry

	msgFile  buffer.Buffer
	msgEntry *registryEntry
	msgID    string
	rcpts    *msgfile.RecipientSet
	delivery buffer.Buffer

	copyRes     fcc.Result
	copyEntered bool
	copyErr     error

	sendStopped bool
	failErr     error
	outFile     buffer.Buffer
	final       state

	done chan struct{}
}

// Send starts the pipeline for the job and returns immediately.
// Cancelling ctx aborts the operation the same way Operation.Abort does.
func (s *Sender) Send(ctx context.Context, job *Job) *Operation {
	listener := job.Listener
	if listener == nil {
		listener = module.NopListener{}
	}
	ctx, cancel := context.WithCancel(ctx)
	o := &Operation{
		s:        s,
		job:      job,
		ctx:      ctx,
		cancel:   cancel,
		listener: listener,
		log:      s.Log,
		done:     make(chan struct{}),
	}
	o.files.log = s.Log
	go o.run()
	return o
}

// Abort requests cancellation of the pipeline. It returns without waiting
// for the pipeline to wind down.
func (o *Operation) Abort() {
	o.cancel()
}

// Done returns a channel closed once the pipeline concluded and every
// listener callback fired.
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Err returns the pipeline outcome: nil for a completed send, ErrAborted
// or ErrSizeDeclined for cancelled ones, the first fatal error otherwise.
// Filter and secondary-copy failures do not fail the pipeline; they are
// visible through Report only. Valid after Done is closed.
func (o *Operation) Err() error {
	switch o.final {
	case stateFailed:
		return o.failErr
	case stateAborted:
		if errors.Is(o.failErr, ErrSizeDeclined) {
			return o.failErr
		}
		return ErrAborted
	}
	return nil
}

// Wait blocks until the pipeline concluded and returns Err.
func (o *Operation) Wait() error {
	<-o.done
	return o.Err()
}

// Report returns the per-stage outcome report. Read it only after Done is
// closed.
func (o *Operation) Report() *Report {
	return &o.report
}

// File returns the built message file of a don't-deliver job, nil for
// every other outcome. The caller owns its removal. Valid after Done is
// closed.
func (o *Operation) File() buffer.Buffer {
	return o.outFile
}

func (o *Operation) run() {
	o.listener.StartedSending(o)

	st := stateBuilding
	for {
		switch st {
		case stateBuilding:
			st = o.building()
		case stateDelivering:
			st = o.delivering()
		case statePrimaryCopy:
			st = o.primaryCopy()
		case stateFiltering:
			st = o.filtering()
		case stateSecondaryCopy:
			st = o.secondaryCopy()
		default:
			o.finish(st)
			return
		}
	}
}

func (o *Operation) building() state {
	o.report.SetStage(StageBuildMessage)
	o.listener.Status("Assembling message...")

	if err := o.buildFile(); err != nil {
		if aborted(err) {
			return stateAborted
		}
		o.fail(err, "")
		o.log.Error("message build failed", err)
		o.stopSending(err)
		return stateFailed
	}

	if o.job.DontDeliver {
		o.outFile = o.msgFile
		if o.msgEntry != nil {
			o.msgEntry.owned = false
		}
		o.stopSending(nil)
		return stateDone
	}
	return stateDelivering
}

// buildFile produces the canonical message file: the adopted pre-built one
// or the builder output, with the header prepared (Message-ID, Date) and
// recipients extracted.
func (o *Operation) buildFile() error {
	comp := o.job.Comp

	msg := o.job.File
	owned := o.job.FileOwned
	if msg == nil {
		if o.s.Builder == nil {
			return errors.New("send: no message builder available")
		}
		var restore func()
		if comp != nil && comp.Document != nil {
			ext := embed.Extractor{
				Policy:   embed.Policy{FetchRemoteImages: o.s.Policy.EmbedRemoteImages},
				Hostname: o.s.Identity.Hostname,
				Log:      o.log,
			}
			x, err := ext.Collect(comp.Document)
			if err != nil {
				return err
			}
			comp.Embedded = x.Attachments
			restore = func() {
				x.Restore()
				comp.Embedded = nil
			}
		}
		var err error
		msg, err = o.s.Builder.Build(o.ctx, comp)
		if restore != nil {
			restore()
		}
		if err != nil {
			return err
		}
		owned = true
	}
	o.msgEntry = o.files.track(msg, owned)
	o.msgFile = msg

	hdr, err := msgfile.Header(msg)
	if err != nil {
		return err
	}
	changed, err := msgfile.Prepare(&hdr, o.s.Identity.Hostname)
	if err != nil {
		return err
	}
	if changed {
		rewritten, err := msgfile.Rewrite(msg, hdr, o.s.TempDir)
		if err != nil {
			return err
		}
		o.msgEntry = o.files.track(rewritten, true)
		o.msgFile = rewritten
	}

	o.msgID = msgfile.MessageID(hdr)
	if o.msgID != "" {
		o.log = o.log.Sublogger("", map[string]interface{}{"msg_id": o.msgID})
	}

	rcpts, err := msgfile.Recipients(hdr)
	if err != nil {
		return err
	}
	if o.job.Mode.Delivers() && rcpts.Empty() {
		return errors.New("send: the message has no recipients")
	}
	o.rcpts = rcpts
	return nil
}

func (o *Operation) delivering() state {
	if !o.job.Mode.Delivers() {
		o.stopSending(nil)
		return statePrimaryCopy
	}

	if o.s.Policy.WarnSize > 0 && int64(o.msgFile.Len()) > o.s.Policy.WarnSize {
		if st, stop := o.confirmSize(); stop {
			return st
		}
	}

	dev, copied, err := msgfile.StripBcc(o.msgFile, o.s.TempDir)
	if err != nil {
		o.fail(err, "")
		o.log.Error("delivery file creation failed", err)
		o.stopSending(err)
		return stateFailed
	}
	if copied {
		o.files.track(dev, true)
	}
	o.delivery = dev

	if len(o.rcpts.Newsgroups) != 0 {
		o.report.SetStage(StageNNTP)
		if o.s.News == nil {
			err := errors.New("send: posting requires a news server and none is configured")
			o.fail(err, "")
			o.stopSending(err)
			return stateFailed
		}
		if err := o.s.News.Send(o.ctx, &module.TransportJob{
			From:       o.s.Identity.Address,
			Newsgroups: o.rcpts.Newsgroups,
			MessageID:  o.msgID,
			Password:   o.job.Password,
			Status:     o.listener.Status,
			Body:       o.delivery,
		}); err != nil {
			// a failed post is fatal, no copy is made
			return o.transportFailed(o.s.News, err)
		}
	}

	if len(o.rcpts.Visible) != 0 || len(o.rcpts.Bcc) != 0 {
		o.report.SetStage(StageSMTP)
		if o.s.Transport == nil {
			err := errors.New("send: no mail transport is configured")
			o.fail(err, "")
			o.stopSending(err)
			return stateFailed
		}
		if err := o.s.Transport.Send(o.ctx, &module.TransportJob{
			From:       o.s.Identity.Address,
			Recipients: o.rcpts.Visible,
			Bcc:        o.rcpts.Bcc,
			MessageID:  o.msgID,
			DSN:        o.job.DSN,
			Password:   o.job.Password,
			Status:     o.listener.Status,
			Body:       o.delivery,
		}); err != nil {
			return o.transportFailed(o.s.Transport, err)
		}
	}

	o.stopSending(nil)
	return statePrimaryCopy
}

// confirmSize asks the user about an oversized message. stop is set when
// the pipeline must leave the delivering state for st.
func (o *Operation) confirmSize() (st state, stop bool) {
	if o.s.Prompt == nil || o.job.Mode == module.DeliverBackground {
		o.log.Msg("size warning skipped", "size", o.msgFile.Len(), "warn_size", o.s.Policy.WarnSize)
		return 0, false
	}
	ok, err := o.s.Prompt.ConfirmSend(o.ctx, fmt.Sprintf(
		"The message is %.1f MiB, larger than the configured warning size. Send it anyway?",
		float64(o.msgFile.Len())/(1024*1024)))
	if err != nil {
		if aborted(err) {
			return stateAborted, true
		}
		o.fail(err, "")
		o.stopSending(err)
		return stateFailed, true
	}
	if !ok {
		o.fail(ErrSizeDeclined, "")
		o.stopSending(ErrSizeDeclined)
		return stateAborted, true
	}
	return 0, false
}

func (o *Operation) transportFailed(tr module.Transport, err error) state {
	if aborted(err) {
		return stateAborted
	}
	var secErr *module.SecurityError
	if errors.As(err, &secErr) {
		o.listener.TransportSecurityError(tr.Server(), err)
	}
	o.fail(err, "")
	o.log.Error("delivery failed", err, "server", tr.Server())
	o.stopSending(err)
	return stateFailed
}

func (o *Operation) primaryCopy() state {
	o.report.SetStage(StageCopy)
	o.copyEntered = true

	res, err := o.copy(false)
	o.copyRes = res
	if err != nil {
		if aborted(err) {
			o.copyErr = ErrAborted
			return stateAborted
		}
		o.copyErr = err
		o.fail(err, "")
		return stateFailed
	}

	if o.job.Mode.RunsFilters() && res.Folder != nil && res.Key != module.KeyNone {
		return stateFiltering
	}
	return stateSecondaryCopy
}

func (o *Operation) filtering() state {
	o.report.SetStage(StageFilter)
	if o.s.Filter == nil {
		return stateSecondaryCopy
	}
	if err := o.s.Filter.Apply(o.ctx, o.copyRes.Folder, o.copyRes.Key, o.job.Comp); err != nil {
		if aborted(err) {
			return stateAborted
		}
		// a filter failure never undoes the completed send
		o.fail(err, "")
		o.log.Error("post-send filter failed", err, "folder", o.copyRes.Folder.URI())
	}
	return stateSecondaryCopy
}

func (o *Operation) secondaryCopy() state {
	o.report.SetStage(StageCopy)
	if _, err := o.copy(true); err != nil {
		if aborted(err) {
			o.copyErr = ErrAborted
			return stateAborted
		}
		// the message is out and the primary copy landed; a failed fcc2 is
		// a reportable nuisance
		o.fail(err, "")
		o.log.Error("secondary folder copy failed", err)
	}
	return stateDone
}

func (o *Operation) copy(secondary bool) (fcc.Result, error) {
	engine := &fcc.Engine{
		Folders: o.s.Folders,
		Prompt:  o.s.Prompt,
		TempDir: o.s.TempDir,
		Log:     o.log,
	}
	res, err := engine.Copy(o.ctx, &fcc.Job{
		Identity:  o.s.Identity,
		Comp:      o.job.Comp,
		Mode:      o.job.Mode,
		Message:   o.msgFile,
		Secondary: secondary,
	})
	if res.CopyFile != nil && res.CopyOwned {
		o.files.track(res.CopyFile, true)
	}
	return res, err
}

func (o *Operation) finish(st state) {
	o.final = st

	if o.copyEntered {
		o.listener.StoppedCopy(o.copyErr)
	}
	o.files.cleanup()
	switch st {
	case stateAborted:
		o.stopSending(ErrAborted)
	case stateFailed:
		o.stopSending(o.failErr)
	case stateDone:
		o.stopSending(nil)
	}

	sendsTotal.WithLabelValues(o.job.Mode.String(), resultLabel(st)).Inc()
	o.log.DebugMsg("pipeline concluded", "mode", o.job.Mode, "result", resultLabel(st))
	close(o.done)
}

// stopSending fires the listener's StoppedSending callback exactly once.
func (o *Operation) stopSending(err error) {
	if o.sendStopped {
		return
	}
	o.sendStopped = true
	o.listener.StoppedSending(err)
}

// fail records err in the report at the current stage and remembers the
// first recorded error for Err.
func (o *Operation) fail(err error, msg string) {
	o.report.Fail(StageCurrent, err, msg)
	if o.failErr == nil {
		o.failErr = err
	}
}

func aborted(err error) bool {
	return errors.Is(err, context.Canceled)
}

func resultLabel(st state) string {
	switch st {
	case stateDone:
		return "ok"
	case stateAborted:
		return "abort"
	}
	return "fail"
}
