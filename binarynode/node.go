// Package binarynode implements WhatsApp's tagged-tree stanza format: a
// dictionary-compressed binary encoding for BinaryNode trees exchanged over
// the Noise-encrypted transport (spec.md §4.A, component A).
//
// BinaryNode.Content is modeled as a closed sum type (nil | bytes |
// []BinaryNode | JIDContent) per spec.md §9 "duck-typed stanza shape →
// tagged variants": callers switch on the concrete Content implementation,
// and the encoder's type switch ends in a default case that returns an
// error at run time for any variant it does not handle.
package binarynode

import "fmt"

// Content is the sum type for a BinaryNode's payload. It is implemented by
// Bytes, NodeList and JIDContent; a nil Content means the node carries no
// payload at all (the "null" variant).
type Content interface {
	contentMarker()
}

// Bytes is the raw-binary content variant.
type Bytes []byte

func (Bytes) contentMarker() {}

// NodeList is the nested-children content variant.
type NodeList []BinaryNode

func (NodeList) contentMarker() {}

// JIDContent is the dedicated jid-marker content variant (§4.A point 4:
// "a JID (dedicated marker with nibble-packed user string)").
type JIDContent struct {
	User    string
	Agent   uint8
	Device  uint16
	Server  string
	IsEmpty bool
}

func (JIDContent) contentMarker() {}

// BinaryNode is the unit of protocol exchange: a tagged tree with
// attributes and an optional Content payload (spec.md §3).
type BinaryNode struct {
	Tag     string
	Attrs   map[string]string
	Content Content
}

// Children returns the node's child list, or nil if Content is not a
// NodeList (including the nil/Bytes/JIDContent cases).
func (n BinaryNode) Children() []BinaryNode {
	if nl, ok := n.Content.(NodeList); ok {
		return nl
	}
	return nil
}

// GetChildByTag returns the first direct child with the given tag.
func (n BinaryNode) GetChildByTag(tag string) (BinaryNode, bool) {
	for _, c := range n.Children() {
		if c.Tag == tag {
			return c, true
		}
	}
	return BinaryNode{}, false
}

// GetChildrenByTag returns all direct children with the given tag.
func (n BinaryNode) GetChildrenByTag(tag string) []BinaryNode {
	var out []BinaryNode
	for _, c := range n.Children() {
		if c.Tag == tag {
			out = append(out, c)
		}
	}
	return out
}

// BytesContent returns the node's raw bytes content, if any.
func (n BinaryNode) BytesContent() ([]byte, bool) {
	if b, ok := n.Content.(Bytes); ok {
		return []byte(b), true
	}
	return nil, false
}

// Equal reports deep structural equality between two nodes, used by the
// round-trip property tests (spec.md §8: decode(encode(n)) == n).
func Equal(a, b BinaryNode) bool {
	if a.Tag != b.Tag {
		return false
	}
	if len(a.Attrs) != len(b.Attrs) {
		return false
	}
	for k, v := range a.Attrs {
		if b.Attrs[k] != v {
			return false
		}
	}
	return contentEqual(a.Content, b.Content)
}

func contentEqual(a, b Content) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case Bytes:
		bv, ok := b.(Bytes)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
		return true
	case NodeList:
		bv, ok := b.(NodeList)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case JIDContent:
		bv, ok := b.(JIDContent)
		return ok && av == bv
	default:
		panic(fmt.Sprintf("binarynode: unhandled content variant %T", av))
	}
}
