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

package address_test

import (
	"strings"
	"testing"

	"github.com/foxcpp/mailout/framework/address"
)

func TestValidDomain(t *testing.T) {
	for _, c := range []struct {
		Domain string
		Valid  bool
	}{
		{Domain: "example.org", Valid: true},
		{Domain: "", Valid: false},
		{Domain: "example.org.", Valid: true},
		{Domain: "..", Valid: false},
		{Domain: strings.Repeat("a", 256), Valid: false},
		// Label length limits apply to the A-label form, not to the U-label one.
		{Domain: "äõäoaõoäaõaäõaoäaoaäõoaäooaoaoiuaiauäõiuüõaõäiauõaaa.tld", Valid: true},
		{Domain: "xn--oaoaaaoaoaoaooaoaoiuaiauiuaiauaaa-f1cadccdcmd01eddchqcbe07a.tld", Valid: true},
	} {
		if actual := address.ValidDomain(c.Domain); actual != c.Valid {
			t.Errorf("expected domain %v to be valid=%v, but got %v", c.Domain, c.Valid, actual)
		}
	}
}

func TestValid(t *testing.T) {
	for _, c := range []struct {
		Addr  string
		Valid bool
	}{
		{Addr: "simple@example.org", Valid: true},
		{Addr: "postmaster", Valid: true},
		{Addr: "тест@example.org", Valid: true},
		{Addr: `"quoted string"@example.org`, Valid: true},
		{Addr: "no-domain@", Valid: false},
		{Addr: "@no-local-part", Valid: false},
		{Addr: "ctrl\x01char@example.org", Valid: false},
		{Addr: strings.Repeat("a", 320) + "@example.org", Valid: false},
	} {
		if actual := address.Valid(c.Addr); actual != c.Valid {
			t.Errorf("expected address %v to be valid=%v, but got %v", c.Addr, c.Valid, actual)
		}
	}
}
