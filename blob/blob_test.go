package blob

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"math/rand"
	"path/filepath"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "blobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := testStore(t)

	// Three-and-a-bit chunks, so sequencing matters.
	data := make([]byte, 3*chunkSize+517)
	rnd := rand.New(rand.NewSource(42))
	rnd.Read(data)

	info, err := s.Write("email:test:source", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != int64(len(data)) {
		t.Errorf("Size=%d, want %d", info.Size, len(data))
	}
	wantHash := sha256.Sum256(data)
	if got, want := info.Hash, hex.EncodeToString(wantHash[:]); got != want {
		t.Errorf("Hash=%s, want %s", got, want)
	}

	got, err := s.ReadBuffer("email:test:source")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("ReadBuffer returned %d bytes, not equal to written %d bytes", len(got), len(data))
	}

	r := s.Open("email:test:source")
	defer r.Close()
	streamed, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(streamed, data) {
		t.Errorf("streamed read differs from written bytes")
	}
}

func TestPutGet(t *testing.T) {
	s := testStore(t)
	if err := s.Put("email:test:text", []byte(`[{"text":"hello"}]`)); err != nil {
		t.Fatal(err)
	}
	v, err := s.Get("email:test:text")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(v), `[{"text":"hello"}]`; got != want {
		t.Errorf("Get=%q, want %q", got, want)
	}
	missing, err := s.Get("email:nosuch")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Errorf("Get of missing key = %q, want nil", missing)
	}
}

func TestDeleteNamespace(t *testing.T) {
	s := testStore(t)
	if _, err := s.Write("email:a:source", bytes.NewReader(make([]byte, 2*chunkSize))); err != nil {
		t.Fatal(err)
	}
	if err := s.Put("email:a:text", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write("email:ab:source", bytes.NewReader([]byte("keep me"))); err != nil {
		t.Fatal(err)
	}

	if err := s.Delete("email:a"); err != nil {
		t.Fatal(err)
	}
	got, err := s.ReadBuffer("email:a:source")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("deleted namespace still has %d bytes", len(got))
	}
	kept, err := s.ReadBuffer("email:ab:source")
	if err != nil {
		t.Fatal(err)
	}
	if string(kept) != "keep me" {
		t.Errorf("unrelated key damaged by Delete: %q", kept)
	}
}

func TestEmptyObject(t *testing.T) {
	s := testStore(t)
	info, err := s.Write("email:empty:source", bytes.NewReader(nil))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != 0 {
		t.Errorf("Size=%d, want 0", info.Size)
	}
	wantHash := sha256.Sum256(nil)
	if got, want := info.Hash, hex.EncodeToString(wantHash[:]); got != want {
		t.Errorf("Hash=%s, want %s", got, want)
	}
}
