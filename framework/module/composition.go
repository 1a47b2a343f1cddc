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

package module

import (
	"golang.org/x/net/html"
)

// Composition is the editable message as handed over by the composer
// frontend. The pipeline does not interpret most of it, the builder does.
type Composition struct {
	// Raw header field values, as typed. Recipient lists are comma-separated
	// and may contain display names.
	To, Cc, Bcc string
	Newsgroups  string
	Subject     string

	// Type is the compose-type tag (e.g. "new", "reply", "forward"),
	// passed through to post-send filters.
	Type string
	// OriginalURI points to the message being replied to or forwarded,
	// empty otherwise.
	OriginalURI string

	// FccURI and Fcc2URI override the identity-level copy folders when
	// non-empty.
	FccURI  string
	Fcc2URI string

	// Replace references the stored draft or template this composition was
	// loaded from. After a successful save the referenced message is
	// expunged.
	Replace *MsgRef

	// Document is the editable HTML body. When non-nil, embeddable
	// resources are collected from it before the builder runs and the
	// document is restored to its original state right after.
	Document *html.Node
	// Embedded is filled by the resource extractor for the builder to
	// consume.
	Embedded []Attachment
}

// Attachment describes a resource lifted out of the composed document body.
type Attachment struct {
	// Name is the suggested file name for the MIME part.
	Name string
	// ContentID is the minted cid the document references after the
	// rewrite, without the surrounding angle brackets.
	ContentID string
	// Location is the original URL the resource was collected from.
	Location string
}

// MsgRef is a reference to a message stored in a folder.
type MsgRef struct {
	// FolderURI names the containing folder.
	FolderURI string
	// MessageID is the RFC 5322 Message-ID used to locate the message,
	// without angle brackets.
	MessageID string
	// Key is the backend key hint, when known.
	Key MsgKey
}
