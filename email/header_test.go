package email

import (
	"bufio"
	"strings"
	"testing"
)

func TestReadHeader(t *testing.T) {
	src := strings.Replace(`From: "Gandi" <support-renew@gandi.net>
To: david@zentus.com
Subject: [Gandi] pkgfort.com
	expired yesterday
Received: from relay1 (relay1.example.com)
Received: from relay2 (relay2.example.com)

body text here
`, "\n", "\r\n", -1)

	h, err := ReadHeader(bufio.NewReader(strings.NewReader(src)))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(h.Entries), 5; got != want {
		t.Fatalf("got %d entries, want %d: %v", got, want, h.Entries)
	}
	if got, want := h.Get("Subject"), "[Gandi] pkgfort.com expired yesterday"; got != want {
		t.Errorf("Subject=%q, want %q", got, want)
	}
	if got, want := h.Entries[2].Raw, "Subject: [Gandi] pkgfort.com\r\n\texpired yesterday"; got != want {
		t.Errorf("Subject raw=%q, want %q", got, want)
	}
	if got := h.Values("Received"); len(got) != 2 {
		t.Errorf("got %d Received values, want 2", len(got))
	}
}

func TestReadHeaderNoBody(t *testing.T) {
	src := "From: x@example.com\r\nTo: y@example.com"
	h, err := ReadHeader(bufio.NewReader(strings.NewReader(src)))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(h.Entries), 2; got != want {
		t.Fatalf("got %d entries, want %d", got, want)
	}
	if got, want := h.Get("To"), "y@example.com"; got != want {
		t.Errorf("To=%q, want %q", got, want)
	}
}

func TestCanonicalKey(t *testing.T) {
	tests := []struct {
		in   string
		want Key
	}{
		{"subject", "Subject"},
		{"CONTENT-TYPE", "Content-Type"},
		{"cc", "CC"},
		{"message-id", "Message-ID"},
		{"x-gm-thrid", "X-GM-THRID"},
		{"thread-index", "Thread-Index"},
	}
	for _, test := range tests {
		if got := CanonicalKey([]byte(test.in)); got != test.want {
			t.Errorf("CanonicalKey(%q)=%q, want %q", test.in, got, test.want)
		}
	}
}
