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

// Package parser implements the directive-based format used by mailout
// profiles.
package parser

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
)

// Node struct describes a parsed configuration block or a simple directive.
//
//	name arg0 arg1 {
//	 children0
//	 children1
//	}
type Node struct {
	// Name is the first string at node's line.
	Name string
	// Args are any strings placed after the node name.
	Args []string

	// Children slice contains all children blocks if node is a block. Can be nil.
	Children []Node

	// File is the name of node's source file.
	File string

	// Line is the line number where the directive is located in the source file. For
	// blocks this is the line where "block header" (name + args) resides.
	Line int
}

type parseContext struct {
	in      *bufio.Reader
	line    int
	nesting int

	fileLocation string
}

func validateNodeName(s string) error {
	if len(s) == 0 {
		return errors.New("empty directive name")
	}

	if unicode.IsDigit([]rune(s)[0]) {
		return errors.New("directive name cannot start with a digit")
	}

	allowedPunct := map[rune]bool{'.': true, '-': true, '_': true}

	for _, ch := range s {
		if !unicode.IsLetter(ch) &&
			!unicode.IsDigit(ch) &&
			!allowedPunct[ch] {
			return errors.New("character not allowed in directive name: " + string(ch))
		}
	}

	return nil
}

// readLine returns all tokens of the next non-empty logical line.
//
// Comments are stripped, quoted strings are unquoted and a backslash at the
// end of a physical line joins it with the next one. io.EOF is returned only
// when no tokens were read.
func (ctx *parseContext) readLine() ([]string, int, error) {
	var (
		tokens    []string
		startLine int
		tok       strings.Builder
		inToken   bool
		quoted    bool
		escaped   bool
	)

	endToken := func() {
		if inToken {
			tokens = append(tokens, tok.String())
			tok.Reset()
			inToken = false
		}
	}
	beginToken := func() {
		if !inToken {
			if len(tokens) == 0 {
				startLine = ctx.line
			}
			inToken = true
		}
	}

	for {
		ch, _, err := ctx.in.ReadRune()
		if err != nil {
			if err == io.EOF {
				if quoted {
					return nil, startLine, ctx.err(ctx.line, "unterminated quoted string")
				}
				endToken()
				if len(tokens) == 0 {
					return nil, 0, io.EOF
				}
				return tokens, startLine, nil
			}
			return nil, startLine, err
		}

		if escaped {
			// Backslash-newline splices physical lines, any other
			// escaped character is used as-is.
			escaped = false
			if ch == '\n' {
				ctx.line++
				continue
			}
			beginToken()
			tok.WriteRune(ch)
			continue
		}

		switch {
		case ch == '\\':
			escaped = true
		case quoted:
			if ch == '\n' {
				return nil, startLine, ctx.err(ctx.line, "quoted string spans multiple lines")
			}
			if ch == '"' {
				quoted = false
				continue
			}
			tok.WriteRune(ch)
		case ch == '"':
			quoted = true
			beginToken()
		case ch == '\n':
			ctx.line++
			endToken()
			if len(tokens) != 0 {
				return tokens, startLine, nil
			}
		case ch == '\r':
			// Swallowed, the \n that follows ends the line.
		case ch == ' ' || ch == '\t':
			endToken()
		case ch == '#' && !inToken:
			if err := ctx.skipToEOL(); err != nil {
				endToken()
				if len(tokens) == 0 {
					return nil, 0, io.EOF
				}
				return tokens, startLine, nil
			}
			if len(tokens) != 0 {
				return tokens, startLine, nil
			}
		default:
			beginToken()
			tok.WriteRune(ch)
		}
	}
}

func (ctx *parseContext) skipToEOL() error {
	for {
		ch, _, err := ctx.in.ReadRune()
		if err != nil {
			return err
		}
		if ch == '\n' {
			ctx.line++
			return nil
		}
	}
}

// readNode reads the node starting at the passed header line, recursing into
// the block body if the line ends with the opening brace.
func (ctx *parseContext) readNode(tokens []string, line int) (Node, error) {
	node := Node{
		File: ctx.fileLocation,
		Line: line,
	}

	if tokens[0] == "{" {
		return node, ctx.err(line, "expected directive name, got block start")
	}
	node.Name = tokens[0]
	if err := validateNodeName(node.Name); err != nil {
		return node, ctx.err(line, "%v", err)
	}
	node.Args = tokens[1:]

	// name arg0 arg1 {
	//              # ^ block is started by the trailing token
	//   c0
	//   c1
	// }
	argc := len(node.Args)
	switch {
	case argc >= 2 && node.Args[argc-2] == "{" && node.Args[argc-1] == "}":
		// Empty block written on the header line.
		node.Args = node.Args[:argc-2]
		node.Children = []Node{}
	case argc >= 1 && node.Args[argc-1] == "{":
		node.Args = node.Args[:argc-1]
		var err error
		node.Children, err = ctx.readNodes()
		if err != nil {
			return node, err
		}
	}

	return node, nil
}

func (ctx *parseContext) readNodes() ([]Node, error) {
	ctx.nesting++
	if ctx.nesting > 255 {
		return nil, ctx.err(ctx.line, "nesting limit reached")
	}
	defer func() {
		ctx.nesting--
	}()

	nodes := []Node{}
	for {
		tokens, line, err := ctx.readLine()
		if err != nil {
			if err == io.EOF {
				if ctx.nesting > 1 {
					return nodes, ctx.err(ctx.line, "unexpected EOF, expecting }")
				}
				return nodes, nil
			}
			return nodes, err
		}

		if tokens[0] == "}" {
			if len(tokens) != 1 {
				return nodes, ctx.err(line, "} should be the only token on the line")
			}
			if ctx.nesting == 1 {
				return nodes, ctx.err(line, "unexpected }")
			}
			return nodes, nil
		}

		node, err := ctx.readNode(tokens, line)
		if err != nil {
			return nodes, err
		}
		nodes = append(nodes, node)
	}
}

func (ctx *parseContext) err(line int, f string, args ...interface{}) error {
	return fmt.Errorf("%v:%v: %v", ctx.fileLocation, line, fmt.Sprintf(f, args...))
}

func NodeErr(node Node, f string, args ...interface{}) error {
	if node.File == "" {
		return fmt.Errorf(f, args...)
	}
	return fmt.Errorf("%s:%d: %s", node.File, node.Line, fmt.Sprintf(f, args...))
}

// Read parses the configuration from the specified io.Reader, location is used
// in error messages and Node.File.
func Read(r io.Reader, location string) ([]Node, error) {
	ctx := parseContext{
		in:           bufio.NewReader(r),
		line:         1,
		fileLocation: location,
	}
	return ctx.readNodes()
}
