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

// Package folders implements module.FolderTree over two kinds of message
// stores: mbox files under a local directory (mailbox:// URIs) and
// mailboxes on remote IMAP accounts (imap:// URIs).
package folders

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/foxcpp/mailout/framework/config"
	"github.com/foxcpp/mailout/framework/log"
	"github.com/foxcpp/mailout/framework/module"
)

// Tree resolves folder URIs against the configured local-folders root and
// IMAP accounts. Values are read-only after TreeDirective, the only mutable
// state is the per-file append lock table.
type Tree struct {
	localRoot string
	accounts  map[string]*imapAccount

	log log.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// TreeDirective parses the folders block of the profile, for use with
// config.Map.Custom:
//
//	folders {
//	    local /home/user/mail
//	    imap work tls://imap.example.org:993 {
//	        user foo
//	        password secret
//	    }
//	}
func TreeDirective(m *config.Map, node config.Node) (interface{}, error) {
	t := &Tree{
		accounts: map[string]*imapAccount{},
		log:      log.Logger{Name: "folders"},
		locks:    map[string]*sync.Mutex{},
	}

	for _, child := range node.Children {
		switch child.Name {
		case "debug":
			t.log.Debug = true
		case "local":
			if t.localRoot != "" {
				return nil, config.NodeErr(child, "duplicate 'local' directive")
			}
			if len(child.Args) != 1 {
				return nil, config.NodeErr(child, "expected exactly 1 argument")
			}
			t.localRoot = child.Args[0]
		case "imap":
			acct, err := imapAccountDirective(m, child)
			if err != nil {
				return nil, err
			}
			if _, ok := t.accounts[acct.name]; ok {
				return nil, config.NodeErr(child, "duplicate account name: %s", acct.name)
			}
			acct.log = t.log
			t.accounts[acct.name] = acct
		default:
			return nil, config.NodeErr(child, "unknown directive: %s", child.Name)
		}
	}

	if t.localRoot == "" {
		return nil, config.NodeErr(node, "missing required directive: local")
	}

	return t, nil
}

// Lookup resolves a folder URI. mailbox:// folders resolve only if the
// backing file already exists, missing fallbacks are created through
// SynthesizeLocal instead. imap:// folders are verified with a SELECT
// round-trip so a typo in the profile surfaces before anything is sent.
func (t *Tree) Lookup(ctx context.Context, uri string) (module.Folder, error) {
	switch {
	case strings.HasPrefix(uri, "mailbox://"):
		rel, err := t.localRel(strings.TrimPrefix(uri, "mailbox://"))
		if err != nil {
			return nil, fmt.Errorf("folders: lookup %s: %w", uri, err)
		}
		return t.lookupMbox(uri, rel)
	case strings.HasPrefix(uri, "imap://"):
		acctName, mailbox, err := splitIMAPURI(strings.TrimPrefix(uri, "imap://"))
		if err != nil {
			return nil, fmt.Errorf("folders: lookup %s: %w", uri, err)
		}
		acct, ok := t.accounts[acctName]
		if !ok {
			return nil, fmt.Errorf("folders: lookup %s: unknown account %s: %w", uri, acctName, module.ErrNoSuchFolder)
		}
		return acct.lookup(ctx, uri, mailbox)
	default:
		return nil, fmt.Errorf("folders: lookup %s: unsupported URI scheme: %w", uri, module.ErrNoSuchFolder)
	}
}

// SynthesizeLocal returns the local folder with the given name, creating
// the backing mbox file if it does not exist yet.
func (t *Tree) SynthesizeLocal(ctx context.Context, name string) (module.Folder, error) {
	rel, err := t.localRel(name)
	if err != nil {
		return nil, fmt.Errorf("folders: synthesize %s: %w", name, err)
	}
	return t.synthesizeMbox("mailbox://"+name, rel)
}

// localRel validates a mailbox:// folder path relative to the local root.
func (t *Tree) localRel(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty folder path: %w", module.ErrNoSuchFolder)
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute folder path: %w", module.ErrNoSuchFolder)
	}
	rel = filepath.Clean(rel)
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("folder path escapes the local root: %w", module.ErrNoSuchFolder)
	}
	return rel, nil
}

func splitIMAPURI(rest string) (account, mailbox string, err error) {
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed imap folder URI: %w", module.ErrNoSuchFolder)
	}
	return parts[0], parts[1], nil
}

// pathLock returns the append lock for a local mbox file.
func (t *Tree) pathLock(path string) *sync.Mutex {
	t.locksMu.Lock()
	defer t.locksMu.Unlock()

	l, ok := t.locks[path]
	if !ok {
		l = new(sync.Mutex)
		t.locks[path] = l
	}
	return l
}
