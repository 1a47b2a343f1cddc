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
	"github.com/foxcpp/mailout/framework/buffer"
	"github.com/foxcpp/mailout/framework/log"
)

// fileRegistry tracks the temporary files of one send so that cleanup
// removes each underlying file exactly once, no matter how many pipeline
// slots ended up aliasing it.
type fileRegistry struct {
	log     log.Logger
	entries []*registryEntry
	done    bool
}

type registryEntry struct {
	buf buffer.Buffer
	// path is the stable identity for file-backed buffers; empty for
	// in-memory ones, which are never merged.
	path  string
	owned bool
}

// track registers the buffer for cleanup. owned says the pipeline is
// responsible for removing the underlying file. Tracking an already-known
// file-backed path merges into the existing entry.
//
// The returned entry can be used to transfer ownership back to the caller
// before cleanup runs.
func (r *fileRegistry) track(buf buffer.Buffer, owned bool) *registryEntry {
	if buf == nil {
		return nil
	}
	var path string
	if fb, ok := buf.(buffer.FileBuffer); ok {
		path = fb.Path
	}
	if path != "" {
		for _, ent := range r.entries {
			if ent.path == path {
				ent.owned = ent.owned || owned
				return ent
			}
		}
	}
	ent := &registryEntry{buf: buf, path: path, owned: owned}
	r.entries = append(r.entries, ent)
	return ent
}

// cleanup removes every owned file. The second call is a no-op.
func (r *fileRegistry) cleanup() {
	if r.done {
		return
	}
	r.done = true
	for _, ent := range r.entries {
		if !ent.owned {
			continue
		}
		if err := ent.buf.Remove(); err != nil {
			r.log.Error("temporary file removal failed", err, "path", ent.path)
		}
	}
	r.entries = nil
}
