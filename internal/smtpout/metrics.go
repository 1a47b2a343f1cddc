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

package smtpout

import "github.com/prometheus/client_golang/prometheus"

var smtpFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mailout",
		Subsystem: "smtp",
		Name:      "failures_total",
		Help:      "Failed submission attempts, per server",
	},
	[]string{"server"},
)

func init() {
	prometheus.MustRegister(smtpFailures)
}
