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
	"fmt"
	"io"

	"github.com/foxcpp/mailout/framework/buffer"
	"github.com/foxcpp/mailout/framework/exterrors"
	"github.com/foxcpp/mailout/framework/module"
	"github.com/foxcpp/mailout/internal/msgfile"
)

// FlushOutbox sends every message queued in the identity's outbox folder.
//
// Each message is stripped of its local annotation headers and run through
// the full pipeline with mode SendUnsent, then expunged from the outbox.
// A failed message stops the flush; messages sent before it stay expunged,
// so a re-run never duplicates them.
//
// The returned count is the number of messages sent.
func (s *Sender) FlushOutbox(ctx context.Context, listener module.SendListener) (int, error) {
	if s.Identity.OutboxURI == "" {
		return 0, errors.New("send: no outbox folder is configured")
	}
	folder, err := s.Folders.Lookup(ctx, s.Identity.OutboxURI)
	if err != nil {
		return 0, err
	}
	lister, ok := folder.(module.Lister)
	if !ok {
		return 0, fmt.Errorf("send: outbox folder %s is not listable", folder.URI())
	}

	// Messages are materialized upfront. The store lock is held for the
	// duration of the walk and the pipeline appends and expunges on the
	// same store.
	type queuedMsg struct {
		info module.MsgInfo
		file buffer.Buffer
	}
	var msgs []queuedMsg
	removeLeft := func() {
		for _, m := range msgs {
			if m.file == nil {
				continue
			}
			if err := m.file.Remove(); err != nil {
				s.Log.Error("temporary file removal failed", err)
			}
		}
	}
	err = lister.Walk(ctx, func(info module.MsgInfo, r io.Reader) error {
		f, err := buffer.BufferInFile(r, s.TempDir)
		if err != nil {
			return err
		}
		msgs = append(msgs, queuedMsg{info: info, file: f})
		return nil
	})
	if err != nil {
		removeLeft()
		return 0, err
	}
	defer removeLeft()

	sent := 0
	for i := range msgs {
		m := &msgs[i]
		msgErr := func(err error) (int, error) {
			return sent, exterrors.WithFields(err, map[string]interface{}{
				"msg_id": m.info.MessageID,
			})
		}

		hdr, err := msgfile.Header(m.file)
		if err != nil {
			return msgErr(err)
		}
		if msgfile.StripLocal(&hdr) {
			rewritten, err := msgfile.Rewrite(m.file, hdr, s.TempDir)
			if err != nil {
				return msgErr(err)
			}
			if err := m.file.Remove(); err != nil {
				s.Log.Error("temporary file removal failed", err)
			}
			m.file = rewritten
		}

		op := s.Send(ctx, &Job{
			Mode:      module.SendUnsent,
			File:      m.file,
			FileOwned: true,
			Listener:  listener,
		})
		m.file = nil // owned by the pipeline now
		if err := op.Wait(); err != nil {
			if errors.Is(err, ErrAborted) || errors.Is(err, ErrSizeDeclined) {
				return sent, err
			}
			return msgErr(err)
		}

		// Without the expunge a re-run would send the message again.
		if err := folder.Expunge(ctx, m.info.MessageID); err != nil {
			return msgErr(err)
		}
		sent++
	}
	return sent, nil
}
