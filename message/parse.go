package message

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rflandau/lludp/protocol"
)

// File parse.go reads the text message-template format:
//
//	version 2.0
//	{
//		PacketAck Fixed 0xFFFFFFFB NotTrusted Unencoded
//		{
//			Packets Variable
//			{ ID U32 }
//		}
//	}
//
// Messages hold: name, frequency (High|Medium|Low|Fixed), number, trust, encoding, then blocks.
// Blocks hold: name, kind (Single|Multiple N|Variable), then fields.
// Fields hold: name, type and, for Fixed and Variable, a size.
// Anything after "//" on a line is a comment. Unrecognized flags trailing the encoding (Deprecated, UDPDeprecated, ...) are skipped.

type token struct {
	text string
	line int
}

type parser struct {
	toks []token
	pos  int
}

// ParseTemplate reads every message template from rd and builds a Schema from them.
func ParseTemplate(rd io.Reader) (*Schema, error) {
	p := &parser{}
	sc := bufio.NewScanner(rd)
	for line := 1; sc.Scan(); line++ {
		text := sc.Text()
		if i := strings.Index(text, "//"); i >= 0 {
			text = text[:i]
		}
		text = strings.NewReplacer("{", " { ", "}", " } ").Replace(text)
		for _, f := range strings.Fields(text) {
			p.toks = append(p.toks, token{f, line})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	var tmpls []*Template
	for !p.done() {
		if p.peek() == "version" {
			p.pos += 2
			continue
		}
		t, err := p.message()
		if err != nil {
			return nil, err
		}
		tmpls = append(tmpls, t)
	}
	return NewSchema(tmpls...)
}

func (p *parser) done() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() string {
	if p.done() {
		return ""
	}
	return p.toks[p.pos].text
}

func (p *parser) next(what string) (string, error) {
	if p.done() {
		return "", fmt.Errorf("unexpected end of template, wanted %s", what)
	}
	t := p.toks[p.pos]
	p.pos++
	return t.text, nil
}

func (p *parser) errorf(format string, args ...any) error {
	line := 0
	if i := min(p.pos, len(p.toks)-1); i >= 0 {
		line = p.toks[i].line
	}
	return fmt.Errorf("template line %d: %s", line, fmt.Sprintf(format, args...))
}

func (p *parser) expect(want string) error {
	got, err := p.next(strconv.Quote(want))
	if err != nil {
		return err
	} else if got != want {
		return p.errorf("expected %q, found %q", want, got)
	}
	return nil
}

func (p *parser) message() (*Template, error) {
	if err := p.expect("{"); err != nil {
		return nil, err
	}
	var (
		t   = &Template{}
		err error
	)
	if t.Name, err = p.next("message name"); err != nil {
		return nil, err
	}
	freq, err := p.next("frequency")
	if err != nil {
		return nil, err
	}
	numStr, err := p.next("message number")
	if err != nil {
		return nil, err
	}
	num, err := strconv.ParseUint(numStr, 0, 32)
	if err != nil {
		return nil, p.errorf("bad message number %q", numStr)
	}
	switch freq {
	case "High":
		t.Frequency = protocol.High
	case "Medium":
		t.Frequency = protocol.Medium
	case "Low":
		t.Frequency = protocol.Low
	case "Fixed":
		// fixed numbers are written as the full 4 byte marker+id (0xFFFFFFxx), which is a Low header
		t.Frequency = protocol.Low
		num &= 0xFFFF
	default:
		return nil, p.errorf("unknown frequency %q", freq)
	}
	if num > 0xFFFF {
		return nil, p.errorf("message number %d out of range", num)
	}
	t.ID = uint16(num)

	trust, err := p.next("trust")
	if err != nil {
		return nil, err
	}
	t.Trusted = trust == "Trusted"
	enc, err := p.next("encoding")
	if err != nil {
		return nil, err
	}
	t.Zerocoded = enc == "Zerocoded"

	// skip trailing flags
	for !p.done() && p.peek() != "{" && p.peek() != "}" {
		p.pos++
	}

	for p.peek() == "{" {
		b, err := p.block()
		if err != nil {
			return nil, err
		}
		t.Blocks = append(t.Blocks, b)
	}
	return t, p.expect("}")
}

func (p *parser) block() (BlockTemplate, error) {
	var b BlockTemplate
	if err := p.expect("{"); err != nil {
		return b, err
	}
	var err error
	if b.Name, err = p.next("block name"); err != nil {
		return b, err
	}
	kind, err := p.next("block kind")
	if err != nil {
		return b, err
	}
	switch kind {
	case "Single":
		b.Kind = Single
	case "Variable":
		b.Kind = VariableBlock
	case "Multiple":
		b.Kind = Multiple
		countStr, err := p.next("block count")
		if err != nil {
			return b, err
		}
		if b.Count, err = strconv.Atoi(countStr); err != nil {
			return b, p.errorf("bad block count %q", countStr)
		}
	default:
		return b, p.errorf("unknown block kind %q", kind)
	}

	for p.peek() == "{" {
		f, err := p.field()
		if err != nil {
			return b, err
		}
		b.Fields = append(b.Fields, f)
	}
	return b, p.expect("}")
}

var fieldTypesByName = func() map[string]FieldType {
	m := make(map[string]FieldType, len(fieldTypeNames))
	for i, name := range fieldTypeNames {
		m[name] = FieldType(i)
	}
	return m
}()

func (p *parser) field() (FieldTemplate, error) {
	var f FieldTemplate
	if err := p.expect("{"); err != nil {
		return f, err
	}
	var err error
	if f.Name, err = p.next("field name"); err != nil {
		return f, err
	}
	typ, err := p.next("field type")
	if err != nil {
		return f, err
	}
	var found bool
	if f.Type, found = fieldTypesByName[typ]; !found {
		return f, p.errorf("unknown field type %q", typ)
	}
	if f.Type == Variable || f.Type == Fixed {
		sizeStr, err := p.next("field size")
		if err != nil {
			return f, err
		}
		if f.Size, err = strconv.Atoi(sizeStr); err != nil {
			return f, p.errorf("bad field size %q", sizeStr)
		}
	}
	return f, p.expect("}")
}
