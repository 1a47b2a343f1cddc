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

package mailout

import (
	"os"
	"path/filepath"
)

// Overridden by the linker in packaged builds.
var defaultProfilePath = ""

// ProfilePath returns the profile file location: the MAILOUT_PROFILE
// environment variable, the path baked in by the package build, or
// mailout.conf under the per-user configuration directory.
func ProfilePath() string {
	if path := os.Getenv("MAILOUT_PROFILE"); path != "" {
		return path
	}
	if defaultProfilePath != "" {
		return defaultProfilePath
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return "mailout.conf"
	}
	return filepath.Join(dir, "mailout", "mailout.conf")
}
