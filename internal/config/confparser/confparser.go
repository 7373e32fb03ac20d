/*
 * avrprog - Part/programmer database file parser
 *
 * Copyright 2026, avrprog contributors
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

// Package confparser is a hand-rolled tokenizer and recursive-descent
// reader for avrprog's part/programmer database file, in the
// register-callback-per-section-kind shape of
// config/configparser/configparser.go, adapted from that file's flat
// device-directive grammar to a nested block grammar:
//
//	<file>       := *(<block> | <assign>)
//	<block>      := <ident> [<string>] '{' *(<block> | <assign>) '}' ';'
//	<assign>     := <ident> '=' <value> *(',' <value>) ';'
//	<value>      := <string> | <number> | <bare-ident>
//	<number>     := ['0x']<digits> | <digits>['K'|'M']
//	<comment>    := '#' *(any) <newline>
//
// A block's identifier, assignments, and nested blocks are collected into
// a Block the caller walks directly; there is no callback registry for
// blocks, since the shape of a part/programmer/memory block is fixed and
// best consumed by typed accessors rather than an open-ended dispatch
// table.
package confparser

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokLBrace
	tokRBrace
	tokSemi
	tokComma
	tokEqual
)

type token struct {
	kind tokenKind
	text string
	line int
}

// lexer turns configuration text into a flat token stream.
type lexer struct {
	src  []byte
	pos  int
	line int
}

func newLexer(src []byte) *lexer { return &lexer{src: src, line: 1} }

func (lx *lexer) peekByte() byte {
	if lx.pos >= len(lx.src) {
		return 0
	}
	return lx.src[lx.pos]
}

func (lx *lexer) skipSpaceAndComments() {
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		switch {
		case c == '\n':
			lx.line++
			lx.pos++
		case c == ' ' || c == '\t' || c == '\r':
			lx.pos++
		case c == '#':
			for lx.pos < len(lx.src) && lx.src[lx.pos] != '\n' {
				lx.pos++
			}
		default:
			return
		}
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentCont(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '-' || c == '.'
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func (lx *lexer) next() (token, error) {
	lx.skipSpaceAndComments()
	if lx.pos >= len(lx.src) {
		return token{kind: tokEOF, line: lx.line}, nil
	}
	line := lx.line
	c := lx.src[lx.pos]
	switch {
	case c == '{':
		lx.pos++
		return token{kind: tokLBrace, line: line}, nil
	case c == '}':
		lx.pos++
		return token{kind: tokRBrace, line: line}, nil
	case c == ';':
		lx.pos++
		return token{kind: tokSemi, line: line}, nil
	case c == ',':
		lx.pos++
		return token{kind: tokComma, line: line}, nil
	case c == '=':
		lx.pos++
		return token{kind: tokEqual, line: line}, nil
	case c == '"':
		return lx.lexString(line)
	case isDigit(c):
		return lx.lexNumber(line), nil
	case isIdentStart(c):
		return lx.lexIdent(line), nil
	default:
		return token{}, fmt.Errorf("line %d: unexpected character %q", line, c)
	}
}

func (lx *lexer) lexString(line int) (token, error) {
	lx.pos++ // opening quote
	var sb strings.Builder
	for {
		if lx.pos >= len(lx.src) {
			return token{}, fmt.Errorf("line %d: unterminated string", line)
		}
		c := lx.src[lx.pos]
		if c == '"' {
			lx.pos++
			if lx.peekByte() == '"' {
				sb.WriteByte('"')
				lx.pos++
				continue
			}
			return token{kind: tokString, text: sb.String(), line: line}, nil
		}
		if c == '\n' {
			return token{}, fmt.Errorf("line %d: unterminated string", line)
		}
		sb.WriteByte(c)
		lx.pos++
	}
}

func (lx *lexer) lexNumber(line int) token {
	start := lx.pos
	if lx.peekByte() == '0' && lx.pos+1 < len(lx.src) && (lx.src[lx.pos+1] == 'x' || lx.src[lx.pos+1] == 'X') {
		lx.pos += 2
		for lx.pos < len(lx.src) && isHexDigit(lx.src[lx.pos]) {
			lx.pos++
		}
		return token{kind: tokNumber, text: string(lx.src[start:lx.pos]), line: line}
	}
	for lx.pos < len(lx.src) && isDigit(lx.src[lx.pos]) {
		lx.pos++
	}
	if lx.pos < len(lx.src) && (lx.src[lx.pos] == 'K' || lx.src[lx.pos] == 'M' || lx.src[lx.pos] == 'k' || lx.src[lx.pos] == 'm') {
		lx.pos++
	}
	return token{kind: tokNumber, text: string(lx.src[start:lx.pos]), line: line}
}

func isHexDigit(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func (lx *lexer) lexIdent(line int) token {
	start := lx.pos
	for lx.pos < len(lx.src) && isIdentCont(lx.src[lx.pos]) {
		lx.pos++
	}
	return token{kind: tokIdent, text: string(lx.src[start:lx.pos]), line: line}
}

// Value is one scalar entry of a (possibly comma-separated) assignment.
type Value struct {
	Text string
}

// ParseNumber interprets v as the number-literal grammar this parser
// accepts: 0x-prefixed hex, or decimal optionally suffixed with K or M
// (times 1024 / 1024*1024, matching the teacher corpus's '<number><K|M>'
// address literal convention).
func (v Value) ParseNumber() (int64, error) {
	s := v.Text
	mul := int64(1)
	if n := len(s); n > 0 {
		switch s[n-1] {
		case 'K', 'k':
			mul = 1024
			s = s[:n-1]
		case 'M', 'm':
			mul = 1024 * 1024
			s = s[:n-1]
		}
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, err := strconv.ParseInt(s[2:], 16, 64)
		return n * mul, err
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return n * mul, err
}

// Block is one parsed `kind "id" { ... };` section: its own identifier,
// the scalar/list assignments made directly in its body, and any nested
// blocks keyed by their kind keyword.
type Block struct {
	Kind        string
	ID          string
	Line        int
	assignments map[string][]Value
	children    map[string][]*Block
}

func newBlock(kind, id string, line int) *Block {
	return &Block{Kind: kind, ID: id, Line: line, assignments: map[string][]Value{}, children: map[string][]*Block{}}
}

// Get returns the first value assigned to key in this block's body.
func (b *Block) Get(key string) (Value, bool) {
	vs, ok := b.assignments[key]
	if !ok || len(vs) == 0 {
		return Value{}, false
	}
	return vs[0], true
}

// GetAll returns every value in a comma-separated assignment to key.
func (b *Block) GetAll(key string) []Value { return b.assignments[key] }

// GetString is Get with the bare string, defaulting to "".
func (b *Block) GetString(key string) string {
	v, _ := b.Get(key)
	return v.Text
}

// Children returns the nested blocks of the given kind, in file order.
func (b *Block) Children(kind string) []*Block { return b.children[kind] }

// Parser reads the nested block grammar into a root Block (Kind/ID
// empty) whose Children hold the top-level blocks.
type Parser struct{}

// New returns a Parser. Parsers are stateless; one instance may be
// reused across files.
func New() *Parser { return &Parser{} }

// LoadFile parses the named file.
func (p *Parser) LoadFile(name string) (*Block, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return p.Load(f, name)
}

// Load parses configuration text from r, attributing errors to name.
func (p *Parser) Load(r io.Reader, name string) (*Block, error) {
	src, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	ps := &parseState{lx: newLexer(src), file: name}
	if err := ps.advance(); err != nil {
		return nil, err
	}
	root := newBlock("", "", 0)
	if err := ps.parseBody(root, false); err != nil {
		return nil, err
	}
	return root, nil
}

type parseState struct {
	lx   *lexer
	tok  token
	file string
}

func (ps *parseState) advance() error {
	t, err := ps.lx.next()
	if err != nil {
		return err
	}
	ps.tok = t
	return nil
}

func (ps *parseState) errf(format string, args ...any) error {
	return fmt.Errorf("%s:%d: %s", ps.file, ps.tok.line, fmt.Sprintf(format, args...))
}

// parseBody consumes statements (blocks and assignments) into parent
// until EOF (inBlock == false) or a closing brace (inBlock == true).
func (ps *parseState) parseBody(parent *Block, inBlock bool) error {
	for {
		if ps.tok.kind == tokEOF {
			if inBlock {
				return ps.errf("unexpected end of file, missing %q", "}")
			}
			return nil
		}
		if ps.tok.kind == tokRBrace {
			if !inBlock {
				return ps.errf("unexpected %q", "}")
			}
			return nil
		}
		if ps.tok.kind != tokIdent {
			return ps.errf("expected directive or block name, got %q", ps.tok.text)
		}
		name := ps.tok.text
		if err := ps.advance(); err != nil {
			return err
		}
		switch ps.tok.kind {
		case tokEqual:
			vals, err := ps.parseAssignTail()
			if err != nil {
				return err
			}
			parent.assignments[strings.ToLower(name)] = vals
		case tokString, tokLBrace:
			id := ""
			if ps.tok.kind == tokString {
				id = ps.tok.text
				if err := ps.advance(); err != nil {
					return err
				}
			}
			if ps.tok.kind != tokLBrace {
				return ps.errf("expected %q after block name %q", "{", name)
			}
			line := ps.tok.line
			if err := ps.advance(); err != nil {
				return err
			}
			block := newBlock(strings.ToLower(name), id, line)
			if err := ps.parseBody(block, true); err != nil {
				return err
			}
			if ps.tok.kind != tokRBrace {
				return ps.errf("expected %q to close block %q", "}", name)
			}
			if err := ps.advance(); err != nil {
				return err
			}
			if ps.tok.kind != tokSemi {
				return ps.errf("expected %q after block %q", ";", name)
			}
			if err := ps.advance(); err != nil {
				return err
			}
			kind := strings.ToLower(name)
			parent.children[kind] = append(parent.children[kind], block)
		default:
			return ps.errf("expected %q or a block body after %q", "=", name)
		}
	}
}

func (ps *parseState) parseAssignTail() ([]Value, error) {
	var vals []Value
	for {
		if err := ps.advance(); err != nil {
			return nil, err
		}
		switch ps.tok.kind {
		case tokString, tokNumber, tokIdent:
			vals = append(vals, Value{Text: ps.tok.text})
		default:
			return nil, ps.errf("expected a value, got %q", ps.tok.text)
		}
		if err := ps.advance(); err != nil {
			return nil, err
		}
		if ps.tok.kind == tokComma {
			continue
		}
		if ps.tok.kind == tokSemi {
			if err := ps.advance(); err != nil {
				return nil, err
			}
			return vals, nil
		}
		return nil, ps.errf("expected %q or %q, got %q", ",", ";", ps.tok.text)
	}
}
