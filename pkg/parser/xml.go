package parser

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// xmlNode is a generic element tree; vendor XML layouts vary too much for
// fixed struct decoding.
type xmlNode struct {
	name     string
	text     string
	children []*xmlNode
}

type xmlStream struct {
	records []*RawRecord
	i       int
	skipped int
}

// newXMLStream decodes the full document into a node tree and scans it
// breadth-first for the first repeated subtree whose elements look like
// price records.
func newXMLStream(data []byte) (*xmlStream, error) {
	root, err := decodeXMLTree(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode xml: %w", err)
	}

	group := findRecordGroup(root)
	if group == nil {
		return nil, fmt.Errorf("no record elements found in xml document")
	}

	s := &xmlStream{}
	for _, n := range group {
		rec := recordFromPairs(n.pairs())
		if !rec.Valid() {
			s.skipped++
			continue
		}
		s.records = append(s.records, rec)
	}
	return s, nil
}

func (s *xmlStream) Next() (*RawRecord, error) {
	if s.i >= len(s.records) {
		return nil, io.EOF
	}
	rec := s.records[s.i]
	s.i++
	return rec, nil
}

func (s *xmlStream) Skipped() int {
	return s.skipped
}

func decodeXMLTree(r io.Reader) (*xmlNode, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = false
	root := &xmlNode{name: ""}
	stack := []*xmlNode{root}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &xmlNode{name: t.Name.Local}
			parent := stack[len(stack)-1]
			parent.children = append(parent.children, n)
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			cur := stack[len(stack)-1]
			cur.text += string(t)
		}
	}
	if len(root.children) == 0 {
		return nil, fmt.Errorf("empty document")
	}
	return root, nil
}

// findRecordGroup walks the tree level by level and returns the first set
// of sibling elements sharing a name whose leaves include record-shaped
// keys.
func findRecordGroup(root *xmlNode) []*xmlNode {
	queue := []*xmlNode{root}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		byName := make(map[string][]*xmlNode)
		for _, c := range n.children {
			byName[c.name] = append(byName[c.name], c)
		}
		for _, group := range byName {
			if len(group) > 1 && looksLikeRecord(group[0]) {
				return group
			}
		}
		queue = append(queue, n.children...)
	}
	return nil
}

func looksLikeRecord(n *xmlNode) bool {
	for _, c := range n.children {
		key := normalizeHeader(c.name)
		if key == "code" || key == "description" ||
			strings.Contains(key, "charge") || strings.Contains(key, "price") {
			return true
		}
	}
	return false
}

// pairs flattens one record element to key/value strings, one level deep.
func (n *xmlNode) pairs() map[string]string {
	out := make(map[string]string, len(n.children))
	for _, c := range n.children {
		if len(c.children) == 0 {
			out[c.name] = strings.TrimSpace(c.text)
			continue
		}
		for _, gc := range c.children {
			if len(gc.children) == 0 {
				out[c.name+"_"+gc.name] = strings.TrimSpace(gc.text)
			}
		}
	}
	return out
}
