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

package send

import (
	"context"
	"errors"
	"io/ioutil"
	"strings"
	"testing"

	"github.com/foxcpp/mailout/framework/buffer"
	"github.com/foxcpp/mailout/framework/module"
	"github.com/foxcpp/mailout/internal/testutils"
	"golang.org/x/net/html"
)

const testHdr = "Message-Id: <test@example.org>\r\n" +
	"Date: Thu, 2 Jan 2020 10:00:00 +0000\r\n" +
	"Subject: test\r\n" +
	"From: fox <fox@example.org>\r\n" +
	"To: rcpt1@example.com\r\n" +
	"Cc: rcpt2@example.com\r\n"

const testBody = "\r\ntest body\r\n"

// testMsg carries its own Message-Id and Date so the pipeline does not
// rewrite it and byte-exact assertions hold.
const testMsg = testHdr + testBody

const testMsgBcc = testHdr + "Bcc: hidden@example.com\r\n" + testBody

func testSender(t *testing.T) (*Sender, *testutils.Transport, *testutils.MemTree) {
	t.Helper()

	tr := &testutils.Transport{}
	tree := &testutils.MemTree{}
	s := &Sender{
		Identity: &module.Identity{
			Name:     "main",
			From:     "fox <fox@example.org>",
			Address:  "fox@example.org",
			Hostname: "client.example.org",
			FccURI:   "mailbox://Sent",
		},
		Transport: tr,
		Folders:   tree,
		Builder:   &testutils.Builder{Literal: testMsg},
		TempDir:   t.TempDir(),
		Log:       testutils.Logger(t, "send"),
	}
	return s, tr, tree
}

func addSent(tree *testutils.MemTree) *testutils.MemFolder {
	f := tree.Add("mailbox://Sent", "Sent")
	f.Envelope = false
	return f
}

func checkNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("Leftover temp files: %v", len(entries))
	}
}

func TestSend_Delivers(t *testing.T) {
	s, tr, tree := testSender(t)
	sent := addSent(tree)

	removes := 0
	s.Builder = &testutils.Builder{Buffer: testutils.CountingBuffer{
		Buffer:      buffer.MemoryBuffer{Slice: []byte(testMsg)},
		RemoveCount: &removes,
	}}

	lst := &testutils.Listener{}
	op := s.Send(context.Background(), &Job{
		Mode:     module.DeliverNow,
		Comp:     &module.Composition{},
		Listener: lst,
	})
	if err := op.Wait(); err != nil {
		t.Fatal("Unexpected pipeline failure:", err)
	}

	tr.CheckJob(t, 0, "fox@example.org",
		[]string{"rcpt1@example.com", "rcpt2@example.com"}, testMsg)
	if tr.Jobs[0].MessageID != "test@example.org" {
		t.Errorf("Wrong job message ID: %v", tr.Jobs[0].MessageID)
	}

	if !lst.SendDone || lst.SendErr != nil {
		t.Errorf("Wrong stop-sending notification: done=%v err=%v", lst.SendDone, lst.SendErr)
	}
	if !lst.CopyDone || lst.CopyErr != nil {
		t.Errorf("Wrong stop-copy notification: done=%v err=%v", lst.CopyDone, lst.CopyErr)
	}
	found := false
	for _, line := range lst.StatusLines {
		if strings.Contains(line, "Assembling") {
			found = true
		}
	}
	if !found {
		t.Errorf("No assembling status line, got %v", lst.StatusLines)
	}

	sent.CheckStored(t, 1)
	if string(sent.Msgs[0].Body) != testMsg {
		t.Errorf("Wrong sent copy:\n%q", sent.Msgs[0].Body)
	}
	if sent.Msgs[0].Flags != module.FlagRead {
		t.Errorf("Wrong sent copy flags: %04x", sent.Msgs[0].Flags)
	}

	// The delivery file and the folder copy both alias the message file
	// here, so there is exactly one removal.
	if removes != 1 {
		t.Errorf("Message file removed %v times", removes)
	}
	checkNoTempFiles(t, s.TempDir)
}

func TestSend_JobParams(t *testing.T) {
	s, tr, tree := testSender(t)
	addSent(tree)

	op := s.Send(context.Background(), &Job{
		Mode:     module.DeliverNow,
		Comp:     &module.Composition{},
		DSN:      true,
		Password: "hunter2",
	})
	if err := op.Wait(); err != nil {
		t.Fatal("Unexpected pipeline failure:", err)
	}

	if len(tr.Jobs) != 1 {
		t.Fatalf("Expected 1 job, got %v", len(tr.Jobs))
	}
	if !tr.Jobs[0].DSN {
		t.Error("DSN flag not passed to the transport")
	}
	if tr.Jobs[0].Password != "hunter2" {
		t.Errorf("Wrong job password: %v", tr.Jobs[0].Password)
	}
}

func TestSend_BccStripped(t *testing.T) {
	s, tr, tree := testSender(t)
	sent := addSent(tree)
	s.Builder = &testutils.Builder{Literal: testMsgBcc}

	op := s.Send(context.Background(), &Job{
		Mode: module.DeliverNow,
		Comp: &module.Composition{},
	})
	if err := op.Wait(); err != nil {
		t.Fatal("Unexpected pipeline failure:", err)
	}

	// Bcc recipients are in the envelope, not in the transmitted header.
	tr.CheckJob(t, 0, "fox@example.org",
		[]string{"rcpt1@example.com", "rcpt2@example.com", "hidden@example.com"}, testMsg)

	// The local copy keeps the Bcc field.
	sent.CheckStored(t, 1)
	if string(sent.Msgs[0].Body) != testMsgBcc {
		t.Errorf("Wrong sent copy:\n%q", sent.Msgs[0].Body)
	}

	checkNoTempFiles(t, s.TempDir)
}

func TestSend_PreparesHeader(t *testing.T) {
	s, tr, tree := testSender(t)
	addSent(tree)
	s.Builder = &testutils.Builder{Literal: "Subject: test\r\n" +
		"From: fox <fox@example.org>\r\n" +
		"To: rcpt1@example.com\r\n" +
		testBody}

	op := s.Send(context.Background(), &Job{
		Mode: module.DeliverNow,
		Comp: &module.Composition{},
	})
	if err := op.Wait(); err != nil {
		t.Fatal("Unexpected pipeline failure:", err)
	}

	if len(tr.Jobs) != 1 {
		t.Fatalf("Expected 1 job, got %v", len(tr.Jobs))
	}
	if !strings.HasSuffix(tr.Jobs[0].MessageID, "@client.example.org") {
		t.Errorf("Wrong generated message ID: %v", tr.Jobs[0].MessageID)
	}
	body := string(tr.Bodies[0])
	if !strings.Contains(body, "@client.example.org>") {
		t.Errorf("No generated Message-ID on the wire:\n%q", body)
	}
	if !strings.Contains(strings.ToLower(body), "\r\ndate: ") && !strings.HasPrefix(strings.ToLower(body), "date: ") {
		t.Errorf("No Date field on the wire:\n%q", body)
	}
	if !strings.HasSuffix(body, testBody) {
		t.Errorf("Body mangled:\n%q", body)
	}

	checkNoTempFiles(t, s.TempDir)
}

func TestSend_Document(t *testing.T) {
	s, tr, tree := testSender(t)
	addSent(tree)

	doc, err := html.Parse(strings.NewReader("<p>hi</p>"))
	if err != nil {
		t.Fatal(err)
	}
	builder := &testutils.Builder{Literal: testMsg}
	s.Builder = builder

	comp := &module.Composition{Document: doc}
	op := s.Send(context.Background(), &Job{Mode: module.DeliverNow, Comp: comp})
	if err := op.Wait(); err != nil {
		t.Fatal("Unexpected pipeline failure:", err)
	}

	if len(tr.Jobs) != 1 {
		t.Fatalf("Expected 1 job, got %v", len(tr.Jobs))
	}
	if len(builder.Built) != 1 || builder.Built[0] != comp {
		t.Errorf("Builder did not receive the composition")
	}
	// the extractor restored the composition after the build
	if comp.Embedded != nil {
		t.Errorf("Embedded attachments left on the composition: %v", comp.Embedded)
	}
}

func TestSend_DontDeliver(t *testing.T) {
	s, tr, tree := testSender(t)

	removes := 0
	s.Builder = &testutils.Builder{Buffer: testutils.CountingBuffer{
		Buffer:      buffer.MemoryBuffer{Slice: []byte(testMsg)},
		RemoveCount: &removes,
	}}

	lst := &testutils.Listener{}
	op := s.Send(context.Background(), &Job{
		Mode:        module.DeliverNow,
		Comp:        &module.Composition{},
		DontDeliver: true,
		Listener:    lst,
	})
	if err := op.Wait(); err != nil {
		t.Fatal("Unexpected pipeline failure:", err)
	}

	if len(tr.Jobs) != 0 {
		t.Errorf("Transport contacted for a don't-deliver job")
	}
	if len(tree.Folders) != 0 || len(tree.Synthesized) != 0 {
		t.Errorf("Folder copy made for a don't-deliver job")
	}
	if !lst.SendDone || lst.SendErr != nil {
		t.Errorf("Wrong stop-sending notification: done=%v err=%v", lst.SendDone, lst.SendErr)
	}
	if lst.CopyDone {
		t.Errorf("Stop-copy notified without a copy phase")
	}

	file := op.File()
	if file == nil {
		t.Fatal("No file handle returned")
	}
	if removes != 0 {
		t.Fatalf("Message file removed %v times before the caller saw it", removes)
	}
	r, err := file.Open()
	if err != nil {
		t.Fatal(err)
	}
	blob, err := ioutil.ReadAll(r)
	r.Close()
	if err != nil {
		t.Fatal(err)
	}
	if string(blob) != testMsg {
		t.Errorf("Wrong file contents:\n%q", blob)
	}
	if err := file.Remove(); err != nil {
		t.Fatal(err)
	}
	if removes != 1 {
		t.Errorf("Message file removed %v times", removes)
	}
}

func TestSend_QueueForLater(t *testing.T) {
	s, tr, tree := testSender(t)
	s.Identity.OutboxURI = "mailbox://Unsent"
	outbox := tree.Add("mailbox://Unsent", "Unsent")
	s.Builder = &testutils.Builder{Literal: testMsgBcc}
	filter := &testutils.Filter{}
	s.Filter = filter

	lst := &testutils.Listener{}
	op := s.Send(context.Background(), &Job{
		Mode:     module.QueueForLater,
		Comp:     &module.Composition{},
		Listener: lst,
	})
	if err := op.Wait(); err != nil {
		t.Fatal("Unexpected pipeline failure:", err)
	}

	if len(tr.Jobs) != 0 {
		t.Errorf("Transport contacted for a queued message")
	}
	if !lst.SendDone || lst.SendErr != nil {
		t.Errorf("Wrong stop-sending notification: done=%v err=%v", lst.SendDone, lst.SendErr)
	}
	if !lst.CopyDone || lst.CopyErr != nil {
		t.Errorf("Wrong stop-copy notification: done=%v err=%v", lst.CopyDone, lst.CopyErr)
	}

	outbox.CheckStored(t, 1)
	m := outbox.Msgs[0]
	if m.Flags != module.FlagRead|module.FlagQueued {
		t.Errorf("Wrong queued flags: %04x", m.Flags)
	}
	body := string(m.Body)
	if !strings.HasPrefix(body, "From - ") {
		t.Errorf("Queued copy without the envelope line:\n%q", body)
	}
	if !strings.Contains(body, "X-Mozilla-Status: 0801\r\n") {
		t.Errorf("Queued copy without the queued status annotation:\n%q", body)
	}
	// the queued copy keeps Bcc, the later real send still needs it
	if !strings.HasSuffix(body, testMsgBcc) {
		t.Errorf("Queued copy mangled:\n%q", body)
	}

	if len(filter.Calls) != 0 {
		t.Errorf("Filters ran for a queued message")
	}
	checkNoTempFiles(t, s.TempDir)
}

func TestSend_SaveAsDraft(t *testing.T) {
	s, tr, tree := testSender(t)
	s.Identity.DraftsURI = "mailbox://Drafts"
	drafts := tree.Add("mailbox://Drafts", "Drafts")
	drafts.Envelope = false
	filter := &testutils.Filter{}
	s.Filter = filter

	op := s.Send(context.Background(), &Job{
		Mode: module.SaveAsDraft,
		Comp: &module.Composition{
			Replace: &module.MsgRef{
				FolderURI: "mailbox://Drafts",
				MessageID: "old@example.org",
			},
		},
	})
	if err := op.Wait(); err != nil {
		t.Fatal("Unexpected pipeline failure:", err)
	}

	if len(tr.Jobs) != 0 {
		t.Errorf("Transport contacted for a draft save")
	}
	drafts.CheckStored(t, 1)
	if string(drafts.Msgs[0].Body) != testMsg {
		t.Errorf("Wrong draft contents:\n%q", drafts.Msgs[0].Body)
	}
	if len(drafts.Expunged) != 1 || drafts.Expunged[0] != "old@example.org" {
		t.Errorf("Replaced draft not expunged: %v", drafts.Expunged)
	}
	if len(filter.Calls) != 0 {
		t.Errorf("Filters ran for a draft save")
	}
	checkNoTempFiles(t, s.TempDir)
}

func TestSend_BuildFailure(t *testing.T) {
	s, tr, _ := testSender(t)
	buildErr := errors.New("no body")
	s.Builder = &testutils.Builder{Err: buildErr}

	lst := &testutils.Listener{}
	op := s.Send(context.Background(), &Job{
		Mode:     module.DeliverNow,
		Comp:     &module.Composition{},
		Listener: lst,
	})
	err := op.Wait()
	if !errors.Is(err, buildErr) {
		t.Fatalf("Wrong pipeline error: %v", err)
	}

	if !lst.SendDone || !errors.Is(lst.SendErr, buildErr) {
		t.Errorf("Wrong stop-sending notification: done=%v err=%v", lst.SendDone, lst.SendErr)
	}
	if lst.CopyDone {
		t.Errorf("Stop-copy notified for a failed build")
	}
	if len(tr.Jobs) != 0 {
		t.Errorf("Transport contacted after a failed build")
	}

	stage, res, ok := op.Report().First()
	if !ok || stage != StageBuildMessage || !errors.Is(res.Err, buildErr) {
		t.Errorf("Wrong report: stage=%v res=%v ok=%v", stage, res, ok)
	}
}

func TestSend_NoRecipients(t *testing.T) {
	s, tr, _ := testSender(t)
	s.Builder = &testutils.Builder{Literal: "Message-Id: <test@example.org>\r\n" +
		"Date: Thu, 2 Jan 2020 10:00:00 +0000\r\n" +
		"Subject: test\r\n" +
		testBody}

	op := s.Send(context.Background(), &Job{Mode: module.DeliverNow, Comp: &module.Composition{}})
	err := op.Wait()
	if err == nil {
		t.Fatal("Expected the pipeline to fail")
	}
	if len(tr.Jobs) != 0 {
		t.Errorf("Transport contacted without recipients")
	}
	checkNoTempFiles(t, s.TempDir)
}

func TestSend_TransportFailure(t *testing.T) {
	s, tr, tree := testSender(t)
	sent := addSent(tree)
	sendErr := errors.New("mailbox full")
	tr.Err = sendErr

	removes := 0
	s.Builder = &testutils.Builder{Buffer: testutils.CountingBuffer{
		Buffer:      buffer.MemoryBuffer{Slice: []byte(testMsg)},
		RemoveCount: &removes,
	}}

	lst := &testutils.Listener{}
	op := s.Send(context.Background(), &Job{
		Mode:     module.DeliverNow,
		Comp:     &module.Composition{},
		Listener: lst,
	})
	err := op.Wait()
	if !errors.Is(err, sendErr) {
		t.Fatalf("Wrong pipeline error: %v", err)
	}

	if !lst.SendDone || !errors.Is(lst.SendErr, sendErr) {
		t.Errorf("Wrong stop-sending notification: done=%v err=%v", lst.SendDone, lst.SendErr)
	}
	// no copy is made for an undelivered message
	if lst.CopyDone {
		t.Errorf("Stop-copy notified after a failed delivery")
	}
	sent.CheckStored(t, 0)

	stage, res, ok := op.Report().First()
	if !ok || stage != StageSMTP || !errors.Is(res.Err, sendErr) {
		t.Errorf("Wrong report: stage=%v res=%v ok=%v", stage, res, ok)
	}

	if removes != 1 {
		t.Errorf("Message file removed %v times", removes)
	}
	checkNoTempFiles(t, s.TempDir)
}

func TestSend_SecurityError(t *testing.T) {
	s, tr, tree := testSender(t)
	addSent(tree)
	tr.Err = &module.SecurityError{Err: errors.New("certificate signed by unknown authority")}

	lst := &testutils.Listener{}
	op := s.Send(context.Background(), &Job{
		Mode:     module.DeliverNow,
		Comp:     &module.Composition{},
		Listener: lst,
	})
	err := op.Wait()
	if err == nil {
		t.Fatal("Expected the pipeline to fail")
	}
	var secErr *module.SecurityError
	if !errors.As(err, &secErr) {
		t.Fatalf("Pipeline error lost the security class: %v", err)
	}

	if lst.SecurityServer != "smtp.example.org:587" {
		t.Errorf("Wrong security notification server: %v", lst.SecurityServer)
	}
	if lst.SecurityErr == nil {
		t.Errorf("No security notification")
	}
	if !lst.SendDone || lst.SendErr == nil {
		t.Errorf("Wrong stop-sending notification: done=%v err=%v", lst.SendDone, lst.SendErr)
	}
}

func TestSend_SizeDeclined(t *testing.T) {
	s, tr, tree := testSender(t)
	addSent(tree)
	s.Policy.WarnSize = 16
	p := &testutils.Prompter{ConfirmAnswers: []bool{false}}
	s.Prompt = p

	lst := &testutils.Listener{}
	op := s.Send(context.Background(), &Job{
		Mode:     module.DeliverNow,
		Comp:     &module.Composition{},
		Listener: lst,
	})
	err := op.Wait()
	if !errors.Is(err, ErrSizeDeclined) {
		t.Fatalf("Wrong pipeline error: %v", err)
	}

	if len(p.Questions) != 1 || !strings.Contains(p.Questions[0], "Send it anyway") {
		t.Errorf("Wrong confirmation questions: %v", p.Questions)
	}
	if len(tr.Jobs) != 0 {
		t.Errorf("Transport contacted after the user declined")
	}
	if !lst.SendDone || !errors.Is(lst.SendErr, ErrSizeDeclined) {
		t.Errorf("Wrong stop-sending notification: done=%v err=%v", lst.SendDone, lst.SendErr)
	}
	if lst.CopyDone {
		t.Errorf("Stop-copy notified after a declined send")
	}
	checkNoTempFiles(t, s.TempDir)
}

func TestSend_SizeConfirmed(t *testing.T) {
	s, tr, tree := testSender(t)
	addSent(tree)
	s.Policy.WarnSize = 16
	p := &testutils.Prompter{ConfirmAnswers: []bool{true}}
	s.Prompt = p

	op := s.Send(context.Background(), &Job{Mode: module.DeliverNow, Comp: &module.Composition{}})
	if err := op.Wait(); err != nil {
		t.Fatal("Unexpected pipeline failure:", err)
	}

	if len(p.Questions) != 1 {
		t.Errorf("Wrong confirmation questions: %v", p.Questions)
	}
	if len(tr.Jobs) != 1 {
		t.Errorf("Expected 1 job, got %v", len(tr.Jobs))
	}
}

func TestSend_SizeBackgroundSkipsPrompt(t *testing.T) {
	s, tr, tree := testSender(t)
	addSent(tree)
	s.Policy.WarnSize = 16
	p := &testutils.Prompter{ConfirmAnswers: []bool{false}}
	s.Prompt = p

	op := s.Send(context.Background(), &Job{Mode: module.DeliverBackground, Comp: &module.Composition{}})
	if err := op.Wait(); err != nil {
		t.Fatal("Unexpected pipeline failure:", err)
	}

	if len(p.Questions) != 0 {
		t.Errorf("Background send asked questions: %v", p.Questions)
	}
	if len(tr.Jobs) != 1 {
		t.Errorf("Expected 1 job, got %v", len(tr.Jobs))
	}
}

func TestSend_Filtering(t *testing.T) {
	s, _, tree := testSender(t)
	addSent(tree)
	filter := &testutils.Filter{}
	s.Filter = filter

	op := s.Send(context.Background(), &Job{Mode: module.DeliverNow, Comp: &module.Composition{}})
	if err := op.Wait(); err != nil {
		t.Fatal("Unexpected pipeline failure:", err)
	}

	if len(filter.Calls) != 1 {
		t.Fatalf("Expected 1 filter call, got %v", len(filter.Calls))
	}
	if filter.Calls[0].FolderURI != "mailbox://Sent" || filter.Calls[0].Key != 1 {
		t.Errorf("Wrong filter call: %+v", filter.Calls[0])
	}
}

func TestSend_FilterFailure(t *testing.T) {
	s, _, tree := testSender(t)
	sent := addSent(tree)
	filterErr := errors.New("corrupt filter list")
	s.Filter = &testutils.Filter{Err: filterErr}

	lst := &testutils.Listener{}
	op := s.Send(context.Background(), &Job{
		Mode:     module.DeliverNow,
		Comp:     &module.Composition{},
		Listener: lst,
	})
	// a filter failure does not fail the send
	if err := op.Wait(); err != nil {
		t.Fatal("Unexpected pipeline failure:", err)
	}

	if !lst.CopyDone || lst.CopyErr != nil {
		t.Errorf("Wrong stop-copy notification: done=%v err=%v", lst.CopyDone, lst.CopyErr)
	}
	sent.CheckStored(t, 1)

	stage, res, ok := op.Report().First()
	if !ok || stage != StageFilter || !errors.Is(res.Err, filterErr) {
		t.Errorf("Wrong report: stage=%v res=%v ok=%v", stage, res, ok)
	}
}

func TestSend_CopyDiscarded(t *testing.T) {
	s, tr, tree := testSender(t)
	sent := addSent(tree)
	sent.AppendErr = errors.New("folder is locked")
	s.Prompt = &testutils.Prompter{FccAnswers: []module.FccAnswer{module.FccDiscard}}
	filter := &testutils.Filter{}
	s.Filter = filter

	lst := &testutils.Listener{}
	op := s.Send(context.Background(), &Job{
		Mode:     module.DeliverNow,
		Comp:     &module.Composition{},
		Listener: lst,
	})
	if err := op.Wait(); err != nil {
		t.Fatal("Unexpected pipeline failure:", err)
	}

	if len(tr.Jobs) != 1 {
		t.Errorf("Expected 1 job, got %v", len(tr.Jobs))
	}
	if !lst.CopyDone || lst.CopyErr != nil {
		t.Errorf("Wrong stop-copy notification: done=%v err=%v", lst.CopyDone, lst.CopyErr)
	}
	sent.CheckStored(t, 0)
	// no landed copy, nothing to filter
	if len(filter.Calls) != 0 {
		t.Errorf("Filters ran without a landed copy")
	}
	checkNoTempFiles(t, s.TempDir)
}

func TestSend_CopyFallback(t *testing.T) {
	s, _, tree := testSender(t)
	sent := addSent(tree)
	sent.AppendErr = errors.New("folder is locked")
	s.Prompt = &testutils.Prompter{FccAnswers: []module.FccAnswer{module.FccSaveLocal}}

	lst := &testutils.Listener{}
	op := s.Send(context.Background(), &Job{
		Mode:     module.DeliverNow,
		Comp:     &module.Composition{},
		Listener: lst,
	})
	if err := op.Wait(); err != nil {
		t.Fatal("Unexpected pipeline failure:", err)
	}

	if len(tree.Synthesized) != 1 || tree.Synthesized[0] != "Sent-main" {
		t.Fatalf("Wrong synthesized folders: %v", tree.Synthesized)
	}
	fallback := tree.Folders["mailbox://local/Sent-main"]
	fallback.CheckStored(t, 1)
	if !strings.HasSuffix(string(fallback.Msgs[0].Body), testMsg) {
		t.Errorf("Wrong fallback copy:\n%q", fallback.Msgs[0].Body)
	}
	if !lst.CopyDone || lst.CopyErr != nil {
		t.Errorf("Wrong stop-copy notification: done=%v err=%v", lst.CopyDone, lst.CopyErr)
	}
	checkNoTempFiles(t, s.TempDir)
}

func TestSend_CopyFailure(t *testing.T) {
	s, tr, tree := testSender(t)
	sent := addSent(tree)
	sent.AppendErr = errors.New("folder is locked")
	synthErr := errors.New("disk full")
	tree.SynthErr = synthErr
	// non-interactive frontend, the failed copy reroutes without asking
	// and the broken fallback makes it fatal

	lst := &testutils.Listener{}
	op := s.Send(context.Background(), &Job{
		Mode:     module.DeliverNow,
		Comp:     &module.Composition{},
		Listener: lst,
	})
	err := op.Wait()
	if !errors.Is(err, synthErr) {
		t.Fatalf("Wrong pipeline error: %v", err)
	}

	// the message itself was delivered
	if len(tr.Jobs) != 1 {
		t.Errorf("Expected 1 job, got %v", len(tr.Jobs))
	}
	if !lst.SendDone || lst.SendErr != nil {
		t.Errorf("Wrong stop-sending notification: done=%v err=%v", lst.SendDone, lst.SendErr)
	}
	if !lst.CopyDone || !errors.Is(lst.CopyErr, synthErr) {
		t.Errorf("Wrong stop-copy notification: done=%v err=%v", lst.CopyDone, lst.CopyErr)
	}

	stage, res, ok := op.Report().First()
	if !ok || stage != StageCopy || !errors.Is(res.Err, synthErr) {
		t.Errorf("Wrong report: stage=%v res=%v ok=%v", stage, res, ok)
	}
	checkNoTempFiles(t, s.TempDir)
}

func TestSend_SecondaryCopy(t *testing.T) {
	s, _, tree := testSender(t)
	sent := addSent(tree)
	s.Identity.Fcc2URI = "mailbox://Archive"
	archive := tree.Add("mailbox://Archive", "Archive")
	archive.Envelope = false

	op := s.Send(context.Background(), &Job{Mode: module.DeliverNow, Comp: &module.Composition{}})
	if err := op.Wait(); err != nil {
		t.Fatal("Unexpected pipeline failure:", err)
	}

	sent.CheckStored(t, 1)
	archive.CheckStored(t, 1)
	if string(archive.Msgs[0].Body) != testMsg {
		t.Errorf("Wrong archive copy:\n%q", archive.Msgs[0].Body)
	}
	checkNoTempFiles(t, s.TempDir)
}

func TestSend_SecondaryCopyFailure(t *testing.T) {
	s, _, tree := testSender(t)
	sent := addSent(tree)
	s.Identity.Fcc2URI = "mailbox://Archive"
	archive := tree.Add("mailbox://Archive", "Archive")
	archiveErr := errors.New("folder is locked")
	archive.AppendErr = archiveErr

	lst := &testutils.Listener{}
	op := s.Send(context.Background(), &Job{
		Mode:     module.DeliverNow,
		Comp:     &module.Composition{},
		Listener: lst,
	})
	// the secondary copy is a nuisance, never fatal
	if err := op.Wait(); err != nil {
		t.Fatal("Unexpected pipeline failure:", err)
	}

	sent.CheckStored(t, 1)
	stage, res, ok := op.Report().First()
	if !ok || stage != StageCopy || !errors.Is(res.Err, archiveErr) {
		t.Errorf("Wrong report: stage=%v res=%v ok=%v", stage, res, ok)
	}
	checkNoTempFiles(t, s.TempDir)
}

const testMsgNews = "Message-Id: <test@example.org>\r\n" +
	"Date: Thu, 2 Jan 2020 10:00:00 +0000\r\n" +
	"Subject: test\r\n" +
	"From: fox <fox@example.org>\r\n" +
	"Newsgroups: comp.lang.go\r\n" +
	testBody

func TestSend_Newsgroups(t *testing.T) {
	s, tr, tree := testSender(t)
	addSent(tree)
	news := &testutils.Transport{ServerName: "news.example.org:119"}
	s.News = news
	s.Builder = &testutils.Builder{Literal: testMsgNews}

	op := s.Send(context.Background(), &Job{Mode: module.DeliverNow, Comp: &module.Composition{}})
	if err := op.Wait(); err != nil {
		t.Fatal("Unexpected pipeline failure:", err)
	}

	if len(news.Jobs) != 1 {
		t.Fatalf("Expected 1 post, got %v", len(news.Jobs))
	}
	if len(news.Jobs[0].Newsgroups) != 1 || news.Jobs[0].Newsgroups[0] != "comp.lang.go" {
		t.Errorf("Wrong posted newsgroups: %v", news.Jobs[0].Newsgroups)
	}
	if string(news.Bodies[0]) != testMsgNews {
		t.Errorf("Wrong posted body:\n%q", news.Bodies[0])
	}
	if len(tr.Jobs) != 0 {
		t.Errorf("Mail transport contacted without mail recipients")
	}
}

func TestSend_NewsgroupsFanOut(t *testing.T) {
	s, tr, tree := testSender(t)
	addSent(tree)
	news := &testutils.Transport{ServerName: "news.example.org:119"}
	s.News = news
	s.Builder = &testutils.Builder{Literal: "Message-Id: <test@example.org>\r\n" +
		"Date: Thu, 2 Jan 2020 10:00:00 +0000\r\n" +
		"Subject: test\r\n" +
		"From: fox <fox@example.org>\r\n" +
		"Newsgroups: comp.lang.go\r\n" +
		"To: rcpt1@example.com\r\n" +
		testBody}

	op := s.Send(context.Background(), &Job{Mode: module.DeliverNow, Comp: &module.Composition{}})
	if err := op.Wait(); err != nil {
		t.Fatal("Unexpected pipeline failure:", err)
	}

	// the same delivery file goes to the news server first, then over SMTP
	if len(news.Jobs) != 1 {
		t.Errorf("Expected 1 post, got %v", len(news.Jobs))
	}
	if len(tr.Jobs) != 1 {
		t.Fatalf("Expected 1 mail job, got %v", len(tr.Jobs))
	}
	if len(tr.Jobs[0].Recipients) != 1 || tr.Jobs[0].Recipients[0] != "rcpt1@example.com" {
		t.Errorf("Wrong mail recipients: %v", tr.Jobs[0].Recipients)
	}
	if string(tr.Bodies[0]) != string(news.Bodies[0]) {
		t.Errorf("Posted and mailed bodies differ")
	}
}

func TestSend_NewsgroupsFailure(t *testing.T) {
	s, tr, tree := testSender(t)
	sent := addSent(tree)
	news := &testutils.Transport{ServerName: "news.example.org:119"}
	postErr := errors.New("441 posting failed")
	news.Err = postErr
	s.News = news
	s.Builder = &testutils.Builder{Literal: "Message-Id: <test@example.org>\r\n" +
		"Date: Thu, 2 Jan 2020 10:00:00 +0000\r\n" +
		"Subject: test\r\n" +
		"From: fox <fox@example.org>\r\n" +
		"Newsgroups: comp.lang.go\r\n" +
		"To: rcpt1@example.com\r\n" +
		testBody}

	lst := &testutils.Listener{}
	op := s.Send(context.Background(), &Job{
		Mode:     module.DeliverNow,
		Comp:     &module.Composition{},
		Listener: lst,
	})
	err := op.Wait()
	if !errors.Is(err, postErr) {
		t.Fatalf("Wrong pipeline error: %v", err)
	}

	// a failed post stops everything: no mail fan-out, no copy
	if len(tr.Jobs) != 0 {
		t.Errorf("Mail transport contacted after a failed post")
	}
	if lst.CopyDone {
		t.Errorf("Stop-copy notified after a failed post")
	}
	sent.CheckStored(t, 0)

	stage, _, ok := op.Report().First()
	if !ok || stage != StageNNTP {
		t.Errorf("Wrong report stage: %v", stage)
	}
}

func TestSend_NoNewsServer(t *testing.T) {
	s, _, tree := testSender(t)
	addSent(tree)
	s.Builder = &testutils.Builder{Literal: testMsgNews}

	op := s.Send(context.Background(), &Job{Mode: module.DeliverNow, Comp: &module.Composition{}})
	err := op.Wait()
	if err == nil {
		t.Fatal("Expected the pipeline to fail")
	}
	if !strings.Contains(err.Error(), "news server") {
		t.Errorf("Unhelpful error: %v", err)
	}
}

func TestSend_AbortMidDelivery(t *testing.T) {
	s, tr, tree := testSender(t)
	sent := addSent(tree)
	tr.Block = true

	removes := 0
	s.Builder = &testutils.Builder{Buffer: testutils.CountingBuffer{
		Buffer:      buffer.MemoryBuffer{Slice: []byte(testMsg)},
		RemoveCount: &removes,
	}}

	// the abort lands while the pipeline is still assembling; the blocked
	// transport then observes the cancellation
	lst := &testutils.Listener{AbortOn: "Assembling"}
	op := s.Send(context.Background(), &Job{
		Mode:     module.DeliverNow,
		Comp:     &module.Composition{},
		Listener: lst,
	})
	err := op.Wait()
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("Wrong pipeline error: %v", err)
	}

	if len(tr.Jobs) != 1 {
		t.Fatalf("Expected the transport to see the job, got %v", len(tr.Jobs))
	}
	if !lst.SendDone || !errors.Is(lst.SendErr, ErrAborted) {
		t.Errorf("Wrong stop-sending notification: done=%v err=%v", lst.SendDone, lst.SendErr)
	}
	if lst.CopyDone {
		t.Errorf("Stop-copy notified for an aborted delivery")
	}
	sent.CheckStored(t, 0)

	if removes != 1 {
		t.Errorf("Message file removed %v times", removes)
	}
	checkNoTempFiles(t, s.TempDir)
}
