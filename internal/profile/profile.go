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

// Package profile loads the client profile: global settings, the folder
// tree and one send pipeline per configured identity.
package profile

import (
	"errors"
	"fmt"
	"io"
	"net/mail"
	"os"
	"path/filepath"

	parser "github.com/foxcpp/mailout/framework/cfgparser"
	"github.com/foxcpp/mailout/framework/config"
	"github.com/foxcpp/mailout/framework/log"
	"github.com/foxcpp/mailout/framework/module"
	"github.com/foxcpp/mailout/internal/folders"
	"github.com/foxcpp/mailout/internal/nntpout"
	"github.com/foxcpp/mailout/internal/send"
	"github.com/foxcpp/mailout/internal/smtpout"
	"golang.org/x/net/idna"
)

// Profile is a loaded client profile.
type Profile struct {
	// Hostname is the IDNA-normalized machine name used for Message-ID
	// generation and SMTP HELO.
	Hostname string
	StateDir string
	// TempDir receives the pipeline's message files. Empty means the
	// system temporary directory.
	TempDir string
	Debug   bool

	// Folders is shared by all identities.
	Folders *folders.Tree

	// Names keeps the identities in file order. The first one is the
	// default.
	Names   []string
	Senders map[string]*send.Sender
}

// Load reads the profile from the file at path.
func Load(path string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("profile: %v", err)
	}
	defer f.Close()
	return Read(f, path)
}

// Read parses and wires the profile. location is used in error messages.
func Read(r io.Reader, location string) (*Profile, error) {
	nodes, err := parser.Read(r, location)
	if err != nil {
		return nil, err
	}

	p := &Profile{Senders: map[string]*send.Sender{}}

	var hostname string
	globals := config.NewMap(nil, config.Node{Children: nodes})
	globals.Bool("debug", false, false, &p.Debug)
	globals.String("hostname", false, false, "", &hostname)
	globals.String("state_dir", false, false, "", &p.StateDir)
	globals.Custom("folders", false, true, nil, folders.TreeDirective, &p.Folders)
	globals.AllowUnknown()
	unknown, err := globals.Process()
	if err != nil {
		return nil, err
	}

	if hostname == "" {
		return nil, errors.New("profile: hostname is required")
	}
	p.Hostname, err = idna.ToASCII(hostname)
	if err != nil {
		return nil, fmt.Errorf("profile: invalid hostname: %v", err)
	}

	if p.StateDir != "" {
		p.TempDir = filepath.Join(p.StateDir, "tmp")
		if err := os.MkdirAll(p.TempDir, 0700); err != nil {
			return nil, fmt.Errorf("profile: %v", err)
		}
	}

	for _, node := range unknown {
		if node.Name != "identity" {
			return nil, config.NodeErr(node, "unknown directive: %s", node.Name)
		}
		if len(node.Args) != 1 {
			return nil, config.NodeErr(node, "expected exactly 1 argument")
		}
		name := node.Args[0]
		if _, ok := p.Senders[name]; ok {
			return nil, config.NodeErr(node, "duplicate identity: %s", name)
		}
		s, err := p.identity(globals.Values, node)
		if err != nil {
			return nil, err
		}
		p.Names = append(p.Names, name)
		p.Senders[name] = s
	}
	if len(p.Names) == 0 {
		return nil, errors.New("profile: no identities configured")
	}

	return p, nil
}

// Sender returns the pipeline of the named identity, or of the first
// configured one when name is empty.
func (p *Profile) Sender(name string) (*send.Sender, error) {
	if name == "" {
		name = p.Names[0]
	}
	s, ok := p.Senders[name]
	if !ok {
		return nil, fmt.Errorf("profile: unknown identity: %s", name)
	}
	return s, nil
}

func (p *Profile) identity(globals map[string]interface{}, node config.Node) (*send.Sender, error) {
	name := node.Args[0]
	ident := &module.Identity{Name: name, Hostname: p.Hostname}

	var (
		from        string
		transport   module.Transport
		news        module.Transport
		warnSize    int64
		embedRemote bool
	)
	m := config.NewMap(globals, node)
	m.String("from", false, true, "", &from)
	m.Custom("smtp", false, true, nil, smtpout.TransportDirective, &transport)
	m.Custom("nntp", false, false, nil, nntpout.NewsDirective, &news)
	m.String("fcc", false, false, "", &ident.FccURI)
	m.String("fcc2", false, false, "", &ident.Fcc2URI)
	m.String("drafts", false, false, "", &ident.DraftsURI)
	m.String("templates", false, false, "", &ident.TemplatesURI)
	m.String("outbox", false, false, "", &ident.OutboxURI)
	m.DataSize("warn_size", false, false, 25*1024*1024, &warnSize)
	m.Bool("embed_remote_images", false, false, &embedRemote)
	if _, err := m.Process(); err != nil {
		return nil, err
	}

	addr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, config.NodeErr(node, "invalid from address: %v", err)
	}
	ident.From = from
	ident.Address = addr.Address

	return &send.Sender{
		Identity:  ident,
		Transport: transport,
		News:      news,
		Folders:   p.Folders,
		Policy: send.Policy{
			WarnSize:          warnSize,
			EmbedRemoteImages: embedRemote,
		},
		TempDir: p.TempDir,
		Log:     log.Logger{Name: "send/" + name, Debug: p.Debug},
	}, nil
}
