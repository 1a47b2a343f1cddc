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
	"io/ioutil"
	"reflect"
	"sort"
	"testing"

	"github.com/foxcpp/mailout/framework/module"
)

// Transport is a fake module.Transport that records submitted jobs.
type Transport struct {
	ServerName string

	// Err is returned by Send after the job is recorded.
	Err error
	// Block makes Send wait for context cancellation after recording the
	// job and return ctx.Err.
	Block bool

	Jobs   []module.TransportJob
	Bodies [][]byte
}

func (tr *Transport) Server() string {
	if tr.ServerName != "" {
		return tr.ServerName
	}
	return "smtp.example.org:587"
}

func (tr *Transport) Send(ctx context.Context, job *module.TransportJob) error {
	r, err := job.Body.Open()
	if err != nil {
		return err
	}
	blob, err := ioutil.ReadAll(r)
	r.Close()
	if err != nil {
		return err
	}

	tr.Jobs = append(tr.Jobs, *job)
	tr.Bodies = append(tr.Bodies, blob)

	if tr.Block {
		<-ctx.Done()
		return ctx.Err()
	}
	return tr.Err
}

func (tr *Transport) CheckJob(t *testing.T, indx int, from string, rcptTo []string, body string) {
	t.Helper()

	if len(tr.Jobs) <= indx {
		t.Errorf("Expected at least %d jobs, got %d", indx+1, len(tr.Jobs))
		return
	}

	job := tr.Jobs[indx]
	if job.From != from {
		t.Errorf("Wrong envelope sender: %v", job.From)
	}

	to := append(append([]string(nil), job.Recipients...), job.Bcc...)
	sort.Strings(to)
	sort.Strings(rcptTo)

	if !reflect.DeepEqual(to, rcptTo) {
		t.Errorf("Wrong envelope recipients: %v", to)
	}
	if string(tr.Bodies[indx]) != body {
		t.Errorf("Wrong body: %v (%v)", string(tr.Bodies[indx]), tr.Bodies[indx])
	}
}
