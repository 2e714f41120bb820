package mimetree

import (
	"strings"
	"testing"
)

const multipartMsg = `From: "Gandi" <support-renew@gandi.net>
To: david@zentus.com, "Second Person" <second@example.com>
Subject: =?utf-8?q?expiry_notice?=
Date: Fri, 13 Jul 2018 16:39:01 -0000
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="outer"

--outer
Content-Type: text/plain; charset="utf-8"; format=flowed

Hello,
world.
--outer
Content-Type: application/pdf
Content-Disposition: attachment; filename="invoice.pdf"
Content-Transfer-Encoding: base64

JVBERi0xLjQK
--outer--
`

func TestParseTree(t *testing.T) {
	r := strings.NewReader(strings.Replace(multipartMsg, "\n", "\r\n", -1))
	m, err := Parse(r)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := m.GetHeader("Subject"), "expiry notice"; got != want {
		t.Errorf("Subject=%q, want %q", got, want)
	}

	var texts, attachments []*Node
	err = m.Root.Walk(func(n *Node) error {
		switch {
		case n.IsText() && len(n.Children) == 0:
			texts = append(texts, n)
		case n.Disposition == "attachment":
			attachments = append(attachments, n)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(texts) != 1 {
		t.Fatalf("got %d text nodes, want 1", len(texts))
	}
	if !texts[0].Flowed {
		t.Errorf("text part not flagged format=flowed")
	}
	if len(attachments) != 1 {
		t.Fatalf("got %d attachments, want 1", len(attachments))
	}
	if got, want := attachments[0].FileName, "invoice.pdf"; got != want {
		t.Errorf("FileName=%q, want %q", got, want)
	}
	if got, want := string(attachments[0].Content), "%PDF-1.4\n"; got != want {
		t.Errorf("attachment content=%q, want %q", got, want)
	}
}

func TestAddressList(t *testing.T) {
	r := strings.NewReader(strings.Replace(multipartMsg, "\n", "\r\n", -1))
	m, err := Parse(r)
	if err != nil {
		t.Fatal(err)
	}
	addrs := m.AddressList("To")
	if len(addrs) != 2 {
		t.Fatalf("got %d To addresses, want 2", len(addrs))
	}
	if got, want := addrs[1].Name, "Second Person"; got != want {
		t.Errorf("Name=%q, want %q", got, want)
	}
	if got, want := addrs[1].Addr, "second@example.com"; got != want {
		t.Errorf("Addr=%q, want %q", got, want)
	}
}

func TestReflowText(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		delSp bool
		want  string
	}{
		{
			name: "soft breaks join",
			in:   "Hello \nworld.\nNext paragraph.",
			want: "Hello world.\nNext paragraph.",
		},
		{
			name: "signature separator stays hard",
			in:   "bye\n-- \nsig",
			want: "bye\n-- \nsig",
		},
		{
			name: "quote depth preserved",
			in:   "> quoted \n> text\nreply",
			want: "> quoted text\nreply",
		},
		{
			name:  "delsp removes the soft space",
			in:    "one \ntwo",
			delSp: true,
			want:  "onetwo",
		},
		{
			name: "space stuffing removed",
			in:   " From here\nplain",
			want: "From here\nplain",
		},
	}
	for _, test := range tests {
		if got := ReflowText(test.in, test.delSp); got != test.want {
			t.Errorf("%s: ReflowText=%q, want %q", test.name, got, test.want)
		}
	}
}

func TestTranscode(t *testing.T) {
	// "héllo" in ISO-8859-1.
	latin1 := []byte{'h', 0xe9, 'l', 'l', 'o'}
	got := Transcode("iso-8859-1", latin1)
	if string(got) != "héllo" {
		t.Errorf("Transcode(iso-8859-1)=%q, want %q", got, "héllo")
	}

	utf8In := []byte("héllo")
	if got := Transcode("utf-8", utf8In); string(got) != "héllo" {
		t.Errorf("utf-8 passthrough mangled: %q", got)
	}

	// Unknown charset falls back to the original bytes.
	if got := Transcode("x-no-such-charset", latin1); string(got) != string(latin1) {
		t.Errorf("unknown charset did not fall back: %q", got)
	}
}
