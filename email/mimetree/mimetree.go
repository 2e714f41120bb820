// Package mimetree adapts an externally decomposed MIME message into
// the part node tree consumed by the import pipeline.
//
// Decomposition itself is delegated to github.com/jhillyerd/enmime,
// which tolerates the malformed and legacy structures found in old
// archives: a broken part is recorded as a parse defect, never a
// fatal error, and the original bytes are unaffected because the
// archive stores them separately.
package mimetree

import (
	"fmt"
	"io"
	"mime"
	"net/mail"
	"strings"

	"github.com/jhillyerd/enmime"
	"vaulted.ink/email"
)

// Node is one part of a decomposed message.
type Node struct {
	ContentType string // lowercased media type, e.g. "text/plain"
	Charset     string // declared charset, lowercased, "" if none
	Disposition string // "", "inline" or "attachment"
	FileName    string
	ContentID   string
	Flowed      bool // text part declared format=flowed
	DelSp       bool // flowed with delsp=yes
	Content     []byte
	Children    []*Node
}

// IsText reports whether the node is an inline text/plain or
// text/html part, the kind whose content joins the message body.
func (n *Node) IsText() bool {
	if n.Disposition == "attachment" {
		return false
	}
	return n.ContentType == "text/plain" || n.ContentType == "text/html"
}

// Message is a decomposed message: the part node tree plus decoded
// access to the top-level headers.
type Message struct {
	Root    *Node
	Defects []string // non-fatal decomposition problems

	env *enmime.Envelope
}

// Parse decomposes the message bytes from r.
func Parse(r io.Reader) (*Message, error) {
	env, err := enmime.ReadEnvelope(r)
	if err != nil {
		return nil, fmt.Errorf("mimetree.Parse: %v", err)
	}
	m := &Message{env: env}
	for _, e := range env.Errors {
		m.Defects = append(m.Defects, e.Error())
	}
	m.Root = convert(env.Root)
	return m, nil
}

func convert(p *enmime.Part) *Node {
	if p == nil {
		return nil
	}
	node := &Node{
		ContentType: strings.ToLower(p.ContentType),
		Disposition: strings.ToLower(p.Disposition),
		FileName:    p.FileName,
		ContentID:   p.ContentID,
		Content:     p.Content,
	}
	node.Charset = strings.ToLower(p.OrigCharset)
	if node.Charset == "" {
		node.Charset = strings.ToLower(p.Charset)
	}
	if _, params, err := mime.ParseMediaType(p.Header.Get("Content-Type")); err == nil {
		if strings.EqualFold(params["format"], "flowed") {
			node.Flowed = true
			node.DelSp = strings.EqualFold(params["delsp"], "yes")
		}
	}
	for c := p.FirstChild; c != nil; c = c.NextSibling {
		node.Children = append(node.Children, convert(c))
	}
	return node
}

// GetHeader returns the decoded (encoded words expanded) value of the
// named top-level header, or "".
func (m *Message) GetHeader(name string) string {
	return m.env.GetHeader(name)
}

// HeaderValues returns every raw value of the named top-level header.
func (m *Message) HeaderValues(name string) []string {
	if m.env.Root == nil {
		return nil
	}
	return m.env.Root.Header.Values(name)
}

// AddressList parses the named address header. Display names have
// their encoded words decoded and whitespace normalized. A header
// that fails address parsing yields no addresses rather than an
// error; legacy archives are full of junk address lines.
func (m *Message) AddressList(name string) []*email.Address {
	list, err := m.env.AddressList(name)
	if err != nil {
		return nil
	}
	out := make([]*email.Address, 0, len(list))
	for _, a := range list {
		out = append(out, &email.Address{
			Name: strings.Join(strings.Fields(a.Name), " "),
			Addr: strings.TrimSpace(a.Address),
		})
	}
	return out
}

// ParseAddress parses a single address value such as a Return-Path.
func ParseAddress(v string) (*email.Address, error) {
	a, err := mail.ParseAddress(strings.TrimSpace(v))
	if err != nil {
		return nil, err
	}
	return &email.Address{Name: a.Name, Addr: a.Address}, nil
}

// Walk visits every node of the tree depth-first, parents before
// children.
func (n *Node) Walk(fn func(*Node) error) error {
	if n == nil {
		return nil
	}
	if err := fn(n); err != nil {
		return err
	}
	for _, c := range n.Children {
		if err := c.Walk(fn); err != nil {
			return err
		}
	}
	return nil
}
