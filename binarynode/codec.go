package binarynode

import (
	"encoding/binary"
	"fmt"
)

// List markers (§4.A point 1).
const (
	markerListEmpty byte = 0x00
	markerList8     byte = 0x01
	markerList16    byte = 0x02
)

// String encoding escape: any other byte is a token id looked up in the
// dictionary; this exact value introduces an inline UTF-8 string
// (§4.A point 2/3: "either a token id (single byte) or an inline UTF-8
// length-prefixed string"). Writers emit inline strings for unknown tags.
const stringInlineEscape byte = 0x00

// Content markers (§4.A point 4).
const (
	contentNone   byte = 0x00
	contentBinary byte = 0x01
	contentList   byte = 0x02
	contentJID    byte = 0x03
)

// ErrUnknownToken is returned when a decoded token byte has no entry in the
// dictionary. Per §4.A/§8 this must surface as a single distinguishable
// error and must not consume further bytes from the stream.
type ErrUnknownToken struct {
	Token byte
}

func (e *ErrUnknownToken) Error() string {
	return fmt.Sprintf("binarynode: unknown token id %d", e.Token)
}

// Encode serializes a BinaryNode to its wire representation.
func Encode(n BinaryNode) ([]byte, error) {
	e := &encoder{}
	if err := e.encodeNode(n); err != nil {
		return nil, err
	}
	return e.buf, nil
}

// Decode parses a single BinaryNode from data, returning the node and the
// number of bytes consumed. A malformed node returns an error without
// panicking; callers are expected to fail only that frame (§4.A: "the unit
// of failure is a malformed node").
func Decode(data []byte) (BinaryNode, int, error) {
	d := &decoder{buf: data}
	n, err := d.decodeNode()
	if err != nil {
		return BinaryNode{}, d.pos, err
	}
	return n, d.pos, nil
}

type encoder struct {
	buf []byte
}

func (e *encoder) writeByte(b byte) { e.buf = append(e.buf, b) }

func (e *encoder) writeBytes(b []byte) { e.buf = append(e.buf, b...) }

func (e *encoder) writeString(s string) {
	if tok, ok := lookupToken(s); ok {
		e.writeByte(tok)
		return
	}
	e.writeByte(stringInlineEscape)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	e.writeBytes(lenBuf[:])
	e.writeBytes([]byte(s))
}

func (e *encoder) writeListMarker(count int) error {
	switch {
	case count == 0:
		e.writeByte(markerListEmpty)
	case count <= 0xFF:
		e.writeByte(markerList8)
		e.writeByte(byte(count))
	case count <= 0xFFFF:
		e.writeByte(markerList16)
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(count))
		e.writeBytes(lenBuf[:])
	default:
		return fmt.Errorf("binarynode: node list too large (%d children)", count)
	}
	return nil
}

func (e *encoder) encodeNode(n BinaryNode) error {
	// Children of the top-level list: tag + (key,value) pairs for each attr.
	childCount := 1 + 2*len(n.Attrs)
	if err := e.writeListMarker(childCount); err != nil {
		return err
	}
	e.writeString(n.Tag)
	for k, v := range n.Attrs {
		e.writeString(k)
		e.writeString(v)
	}
	return e.encodeContent(n.Content)
}

func (e *encoder) encodeContent(c Content) error {
	switch v := c.(type) {
	case nil:
		e.writeByte(contentNone)
		return nil
	case Bytes:
		e.writeByte(contentBinary)
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
		e.writeBytes(lenBuf[:])
		e.writeBytes(v)
		return nil
	case NodeList:
		e.writeByte(contentList)
		if err := e.writeListMarker(len(v)); err != nil {
			return err
		}
		for _, child := range v {
			if err := e.encodeChildInList(child); err != nil {
				return err
			}
		}
		return nil
	case JIDContent:
		e.writeByte(contentJID)
		return e.encodeJID(v)
	default:
		return fmt.Errorf("binarynode: unhandled content variant %T", v)
	}
}

// encodeChildInList writes one BinaryNode as an element of an already-opened
// list: the child's own list marker, then tag + attrs + nested content (the
// enclosing list's marker was written by the caller for the whole list).
func (e *encoder) encodeChildInList(n BinaryNode) error {
	innerCount := 1 + 2*len(n.Attrs)
	if err := e.writeListMarker(innerCount); err != nil {
		return err
	}
	e.writeString(n.Tag)
	for k, v := range n.Attrs {
		e.writeString(k)
		e.writeString(v)
	}
	return e.encodeContent(n.Content)
}

func (e *encoder) encodeJID(j JIDContent) error {
	if j.IsEmpty {
		e.writeByte(1) // empty-jid flag
		return nil
	}
	e.writeByte(0)
	e.writeByte(j.Agent)
	var devBuf [2]byte
	binary.BigEndian.PutUint16(devBuf[:], j.Device)
	e.writeBytes(devBuf[:])
	e.writeString(j.Server)

	isNumeric := true
	for i := 0; i < len(j.User); i++ {
		if _, ok := nibbleFor(j.User[i]); !ok {
			isNumeric = false
			break
		}
	}
	if j.User != "" && isNumeric {
		e.writeByte(1)
		packed, err := packNumeric(j.User)
		if err != nil {
			return err
		}
		e.writeBytes(packed)
	} else {
		e.writeByte(0)
		e.writeString(j.User)
	}
	return nil
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) readByte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, fmt.Errorf("binarynode: unexpected end of input")
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) readN(n int) ([]byte, error) {
	if d.pos+n > len(d.buf) {
		return nil, fmt.Errorf("binarynode: unexpected end of input (need %d bytes)", n)
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) readString() (string, error) {
	tok, err := d.readByte()
	if err != nil {
		return "", err
	}
	if tok != stringInlineEscape {
		s, ok := tokenString(tok)
		if !ok {
			return "", &ErrUnknownToken{Token: tok}
		}
		return s, nil
	}
	lenBuf, err := d.readN(2)
	if err != nil {
		return "", err
	}
	n := int(binary.BigEndian.Uint16(lenBuf))
	body, err := d.readN(n)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (d *decoder) readListCount() (int, error) {
	marker, err := d.readByte()
	if err != nil {
		return 0, err
	}
	switch marker {
	case markerListEmpty:
		return 0, nil
	case markerList8:
		b, err := d.readByte()
		if err != nil {
			return 0, err
		}
		return int(b), nil
	case markerList16:
		buf, err := d.readN(2)
		if err != nil {
			return 0, err
		}
		return int(binary.BigEndian.Uint16(buf)), nil
	default:
		return 0, fmt.Errorf("binarynode: invalid list marker 0x%02x", marker)
	}
}

// decodeNode decodes a full node including its own leading list marker.
func (d *decoder) decodeNode() (BinaryNode, error) {
	count, err := d.readListCount()
	if err != nil {
		return BinaryNode{}, err
	}
	return d.decodeNodeBody(count)
}

// decodeNodeBody decodes tag+attrs+content given the child count already
// read from the node's list marker.
func (d *decoder) decodeNodeBody(count int) (BinaryNode, error) {
	if count == 0 {
		return BinaryNode{}, fmt.Errorf("binarynode: node with zero children (missing tag)")
	}
	tag, err := d.readString()
	if err != nil {
		return BinaryNode{}, err
	}

	attrPairs := count - 1
	if attrPairs%2 != 0 {
		return BinaryNode{}, fmt.Errorf("binarynode: odd attribute count for tag %q", tag)
	}
	var attrs map[string]string
	if attrPairs > 0 {
		attrs = make(map[string]string, attrPairs/2)
		for i := 0; i < attrPairs/2; i++ {
			k, err := d.readString()
			if err != nil {
				return BinaryNode{}, err
			}
			v, err := d.readString()
			if err != nil {
				return BinaryNode{}, err
			}
			attrs[k] = v
		}
	}

	content, err := d.decodeContent()
	if err != nil {
		return BinaryNode{}, err
	}

	return BinaryNode{Tag: tag, Attrs: attrs, Content: content}, nil
}

func (d *decoder) decodeContent() (Content, error) {
	marker, err := d.readByte()
	if err != nil {
		return nil, err
	}
	switch marker {
	case contentNone:
		return nil, nil
	case contentBinary:
		lenBuf, err := d.readN(4)
		if err != nil {
			return nil, err
		}
		n := int(binary.BigEndian.Uint32(lenBuf))
		body, err := d.readN(n)
		if err != nil {
			return nil, err
		}
		out := make([]byte, n)
		copy(out, body)
		return Bytes(out), nil
	case contentList:
		count, err := d.readListCount()
		if err != nil {
			return nil, err
		}
		children := make([]BinaryNode, 0, count)
		for i := 0; i < count; i++ {
			childCount, err := d.readListCount()
			if err != nil {
				return nil, err
			}
			child, err := d.decodeNodeBody(childCount)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return NodeList(children), nil
	case contentJID:
		return d.decodeJID()
	default:
		return nil, fmt.Errorf("binarynode: invalid content marker 0x%02x", marker)
	}
}

func (d *decoder) decodeJID() (Content, error) {
	flag, err := d.readByte()
	if err != nil {
		return nil, err
	}
	if flag == 1 {
		return JIDContent{IsEmpty: true}, nil
	}

	agent, err := d.readByte()
	if err != nil {
		return nil, err
	}
	devBuf, err := d.readN(2)
	if err != nil {
		return nil, err
	}
	device := binary.BigEndian.Uint16(devBuf)
	server, err := d.readString()
	if err != nil {
		return nil, err
	}

	numericFlag, err := d.readByte()
	if err != nil {
		return nil, err
	}
	var user string
	if numericFlag == 1 {
		rest := d.buf[d.pos:]
		u, n, err := unpackNumeric(rest)
		if err != nil {
			return nil, err
		}
		d.pos += n
		user = u
	} else {
		user, err = d.readString()
		if err != nil {
			return nil, err
		}
	}

	return JIDContent{User: user, Agent: agent, Device: device, Server: server}, nil
}
