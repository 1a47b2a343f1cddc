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
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"
)

// NNTPBackend is a fake news server implementing the subset of RFC 3977 and
// RFC 4643 used for posting. Replies can be overridden to exercise error
// handling in the client.
type NNTPBackend struct {
	Greeting string

	// Credentials expected via AUTHINFO. Empty User means the server does
	// not require authentication.
	User     string
	Password string

	// Non-empty value is sent as the reply to the corresponding command
	// instead of the success code.
	PostReject string
	TakeReject string

	Articles   [][]byte
	AuthUser   string
	AuthPass   string
	PostsCount int
}

func NNTPServer(t *testing.T, addr string) (*NNTPBackend, func()) {
	t.Helper()

	l, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}

	be := &NNTPBackend{Greeting: "200 news.example.org InterNetNews ready (posting ok)"}
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go be.serve(c)
		}
	}()

	return be, func() {
		l.Close()
	}
}

// NNTPServerTLS starts a news server listening on the specified addr with
// Implicit TLS.
func NNTPServerTLS(t *testing.T, addr string) (*tls.Config, *NNTPBackend, func()) {
	t.Helper()

	cert, err := tls.X509KeyPair([]byte(testServerCert), []byte(testServerKey))
	if err != nil {
		panic(err)
	}

	l, err := tls.Listen("tcp", addr, &tls.Config{
		Certificates: []tls.Certificate{cert},
	})
	if err != nil {
		t.Fatal(err)
	}

	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM([]byte(testServerCert))

	clientCfg := &tls.Config{
		ServerName: "127.0.0.1",
		Time: func() time.Time {
			return time.Date(2019, time.November, 18, 17, 59, 41, 0, time.UTC)
		},
		RootCAs: pool,
	}

	be := &NNTPBackend{Greeting: "200 news.example.org InterNetNews ready (posting ok)"}
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go be.serve(c)
		}
	}()

	return clientCfg, be, func() {
		l.Close()
	}
}

func (be *NNTPBackend) serve(c net.Conn) {
	defer c.Close()
	conn := textproto.NewConn(c)

	if err := conn.PrintfLine("%s", be.Greeting); err != nil {
		return
	}

	authed := false
	for {
		line, err := conn.ReadLine()
		if err != nil {
			return
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			conn.PrintfLine("500 what?")
			continue
		}

		switch strings.ToUpper(fields[0]) {
		case "MODE":
			conn.PrintfLine("200 posting permitted")
		case "AUTHINFO":
			if len(fields) < 3 {
				conn.PrintfLine("501 missing argument")
				continue
			}
			switch strings.ToUpper(fields[1]) {
			case "USER":
				be.AuthUser = fields[2]
				conn.PrintfLine("381 enter password")
			case "PASS":
				be.AuthPass = fields[2]
				if be.User != "" && (be.AuthUser != be.User || be.AuthPass != be.Password) {
					conn.PrintfLine("481 authentication failed")
					continue
				}
				authed = true
				conn.PrintfLine("281 authentication accepted")
			default:
				conn.PrintfLine("501 unknown AUTHINFO subcommand")
			}
		case "POST":
			be.PostsCount++
			if be.User != "" && !authed {
				conn.PrintfLine("480 authentication required")
				continue
			}
			if be.PostReject != "" {
				conn.PrintfLine("%s", be.PostReject)
				continue
			}
			if err := conn.PrintfLine("340 send article to be posted"); err != nil {
				return
			}
			art, err := ioutil.ReadAll(conn.DotReader())
			if err != nil {
				return
			}
			if be.TakeReject != "" {
				conn.PrintfLine("%s", be.TakeReject)
				continue
			}
			be.Articles = append(be.Articles, art)
			conn.PrintfLine("240 article received ok")
		case "QUIT":
			conn.PrintfLine("205 closing connection")
			return
		default:
			conn.PrintfLine("500 unknown command")
		}
	}
}
