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

// Package embed converts resources referenced by the composed HTML document
// into inline attachments.
//
// Collect walks the document, rewrites src/href/background attributes of
// embeddable elements to cid: links and returns the attachment descriptors
// the message builder should include as message parts. The document is
// mutated in place; Restore must be called once the message file is built
// (whether the build succeeded or not) to put the original URLs back.
package embed

import (
	"errors"
	"net/url"
	"path"
	"strings"

	"github.com/foxcpp/mailout/framework/log"
	"github.com/foxcpp/mailout/framework/module"
	"github.com/google/uuid"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Attachment is the descriptor produced per embedded resource.
type Attachment = module.Attachment

var contentID = func() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Policy controls which referenced resources are embedded.
type Policy struct {
	// FetchRemoteImages embeds http(s) images and backgrounds instead of
	// leaving remote references in the sent message.
	FetchRemoteImages bool
}

type Extractor struct {
	Policy   Policy
	Hostname string
	Log      log.Logger
}

type edit struct {
	node *html.Node
	attr string
	orig string
}

// Extraction is the outcome of one Collect call.
type Extraction struct {
	Attachments []module.Attachment

	edits []edit
	seen  map[string]string
}

// Collect scans the document for embeddable references and rewrites them.
//
// The "moz-do-not-send" element attribute overrides the policy in both
// directions: "true" always skips the element, "false" always embeds it.
func (e *Extractor) Collect(doc *html.Node) (*Extraction, error) {
	x := &Extraction{seen: map[string]string{}}

	var walk func(n *html.Node) error
	walk = func(n *html.Node) error {
		if n.Type == html.ElementNode {
			if err := e.element(x, n); err != nil {
				return err
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(doc); err != nil {
		// Leave no half-rewritten attributes behind.
		x.Restore()
		return nil, err
	}

	return x, nil
}

func (e *Extractor) element(x *Extraction, n *html.Node) error {
	var attr string
	link := false
	switch n.DataAtom {
	case atom.Img:
		attr = "src"
	case atom.A:
		attr = "href"
		link = true
	case atom.Body:
		attr = "background"
	default:
		return nil
	}

	raw, ok := getAttr(n, attr)
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return nil
	}

	skip, force := sendOverride(n)
	if skip {
		e.Log.Debugf("skipping %s, marked as do-not-send", trimURL(raw))
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}

	embed := false
	switch u.Scheme {
	case "http", "https":
		if link {
			embed = force
		} else {
			embed = e.Policy.FetchRemoteImages || force
		}
	case "data", "nntp":
		embed = true
	case "news", "snews":
		embed = force
	}
	if !embed {
		return nil
	}

	cid, ok := x.seen[raw]
	if !ok {
		id, err := contentID()
		if err != nil {
			return errors.New("embed: content-id generation failed")
		}
		cid = id + "@" + e.Hostname
		x.seen[raw] = cid
		x.Attachments = append(x.Attachments, module.Attachment{
			Name:      resourceName(u),
			ContentID: cid,
			Location:  raw,
		})
		e.Log.Debugf("embedding %s as <%s>", trimURL(raw), cid)
	}

	x.edits = append(x.edits, edit{node: n, attr: attr, orig: raw})
	setAttr(n, attr, "cid:"+cid)
	return nil
}

// Restore puts the original URLs back into the document. Extraction results
// must not be used for message building afterwards. Repeated calls are
// no-ops.
func (x *Extraction) Restore() {
	for _, e := range x.edits {
		setAttr(e.node, e.attr, e.orig)
	}
	x.edits = nil
}

func sendOverride(n *html.Node) (skip, force bool) {
	v, ok := getAttr(n, "moz-do-not-send")
	if !ok {
		return false, false
	}
	if strings.EqualFold(v, "true") {
		return true, false
	}
	if strings.EqualFold(v, "false") {
		return false, true
	}
	return false, false
}

func resourceName(u *url.URL) string {
	if u.Path == "" || u.Path == "/" {
		return ""
	}
	return path.Base(u.Path)
}

func getAttr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, name) {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, name, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, name) {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: name, Val: val})
}

func trimURL(s string) string {
	if len(s) > 64 {
		return s[:61] + "..."
	}
	return s
}
