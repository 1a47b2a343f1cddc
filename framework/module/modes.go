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

// Package module contains the interfaces and shared value types used
// between the pipeline packages.
//
// It is imported from everywhere and on purpose imports nothing outside of
// the framework, so there are no dependency cycles.
package module

// DeliverMode is the purpose of a send attempt. It decides whether the
// network is contacted, which folder receives the message copy and whether
// post-send filters run.
type DeliverMode int

const (
	// DeliverNow transmits the message immediately and saves a copy into
	// the sent folder.
	DeliverNow DeliverMode = iota

	// SendUnsent transmits a message that was queued earlier. Identical to
	// DeliverNow except for the status flags recorded in the folder copy.
	SendUnsent

	// QueueForLater saves the message into the outbox folder without
	// touching the network.
	QueueForLater

	// SaveAsDraft saves the message into the drafts folder, replacing the
	// draft it was loaded from, if any.
	SaveAsDraft

	// SaveAsTemplate saves the message into the templates folder.
	SaveAsTemplate

	// DeliverBackground transmits the message without any interactive
	// prompts. Used by non-interactive frontends.
	DeliverBackground
)

func (m DeliverMode) String() string {
	switch m {
	case DeliverNow:
		return "now"
	case SendUnsent:
		return "unsent"
	case QueueForLater:
		return "later"
	case SaveAsDraft:
		return "draft"
	case SaveAsTemplate:
		return "template"
	case DeliverBackground:
		return "background"
	}
	return "unknown"
}

// Delivers reports whether the mode transmits the message over the network.
func (m DeliverMode) Delivers() bool {
	switch m {
	case DeliverNow, SendUnsent, DeliverBackground:
		return true
	}
	return false
}

// RunsFilters reports whether post-send filters apply to the folder copy
// landed by the mode.
func (m DeliverMode) RunsFilters() bool {
	return m == DeliverNow || m == SendUnsent
}
