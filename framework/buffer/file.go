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

package buffer

import (
	"fmt"
	"io"
	"os"
)

// FileBuffer implements Buffer interface using file system.
//
// Two FileBuffer values with the same Path refer to the same storage,
// which is how the pipeline expresses "delivery file is the message file"
// aliasing without copying anything.
type FileBuffer struct {
	Path string

	// LenHint is the size of the stored blob. It can
	// be set to avoid the need to call os.Stat in the
	// Len() method.
	LenHint int
}

func (fb FileBuffer) Open() (io.ReadCloser, error) {
	return os.Open(fb.Path)
}

func (fb FileBuffer) Len() int {
	if fb.LenHint != 0 {
		return fb.LenHint
	}

	info, err := os.Stat(fb.Path)
	if err != nil {
		// Any access to the file will probably fail too.  So we can't return a
		// sensible value.
		return 0
	}

	return int(info.Size())
}

func (fb FileBuffer) Remove() error {
	return os.Remove(fb.Path)
}

// BufferInFile writes the contents of r to a freshly created file in dir and
// returns the FileBuffer for it.
//
// The file is created atomically with a unique name (os.CreateTemp), so
// concurrent pipelines sharing one directory never collide. If writing
// fails midway, the partial file is removed before the error is returned -
// callers never have to clean up a buffer they never got.
func BufferInFile(r io.Reader, dir string) (Buffer, error) {
	f, err := os.CreateTemp(dir, "mailout-*.eml")
	if err != nil {
		return nil, fmt.Errorf("buffer: failed to create file: %v", err)
	}

	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("buffer: failed to write file: %v", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("buffer: failed to close file: %v", err)
	}

	return FileBuffer{Path: f.Name(), LenHint: int(n)}, nil
}
