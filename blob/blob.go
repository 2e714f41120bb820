// Package blob is a chunked, content-addressed object store built on
// an ordered key-value store.
//
// A logical object is identified by a string key and stored as an
// ordered sequence of fixed-size chunks under "key:NNNNNNNN". Small
// structured artifacts can be stored unchunked with Put/Get under the
// bare key.
//
// Chunk writes for a single Write call are strictly sequential: the
// next chunk is not read from the source until the previous chunk's
// transaction has committed, bounding memory use to one chunk
// regardless of object size. A failed Write leaves a short chunk
// sequence behind; readers that start after a completed Write never
// observe a torn chunk.
package blob

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	bolt "go.etcd.io/bbolt"
)

const chunkSize = 64 * 1024

var bucketObjects = []byte("objects")

// Store is a chunked blob store.
type Store struct {
	db *bolt.DB
}

// Info describes a stored object.
type Info struct {
	Key  string
	Size int64
	Hash string // hex-encoded SHA-256 of the object bytes
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("blob.Open: %v", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketObjects)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("blob.Open: %v", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func chunkKey(key string, seq int) []byte {
	return []byte(fmt.Sprintf("%s:%08d", key, seq))
}

// Write consumes r to completion, storing its bytes as numbered
// chunks under key and computing size and hash along the way.
func (s *Store) Write(key string, r io.Reader) (Info, error) {
	h := sha256.New()
	buf := make([]byte, chunkSize)
	var size int64
	seq := 0
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			chunk := buf[:n]
			h.Write(chunk)
			size += int64(n)
			werr := s.db.Update(func(tx *bolt.Tx) error {
				return tx.Bucket(bucketObjects).Put(chunkKey(key, seq), chunk)
			})
			if werr != nil {
				return Info{}, fmt.Errorf("blob.Write(%q): chunk %d: %v", key, seq, werr)
			}
			seq++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return Info{}, fmt.Errorf("blob.Write(%q): reading source: %v", key, err)
		}
	}
	return Info{
		Key:  key,
		Size: size,
		Hash: hex.EncodeToString(h.Sum(make([]byte, 0, sha256.Size))),
	}, nil
}

// ReadBuffer reads every chunk of key in sequence order into one buffer.
func (s *Store) ReadBuffer(key string) ([]byte, error) {
	var out []byte
	prefix := []byte(key + ":")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketObjects).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			out = append(out, v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("blob.ReadBuffer(%q): %v", key, err)
	}
	return out, nil
}

// Open returns a reader replaying the chunks of key in sequence
// order, fetching one chunk at a time.
func (s *Store) Open(key string) io.ReadCloser {
	return &chunkReader{store: s, key: key}
}

type chunkReader struct {
	store *Store
	key   string
	seq   int
	buf   []byte
	done  bool
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.done {
			return 0, io.EOF
		}
		var chunk []byte
		err := r.store.db.View(func(tx *bolt.Tx) error {
			v := tx.Bucket(bucketObjects).Get(chunkKey(r.key, r.seq))
			if v != nil {
				chunk = append([]byte(nil), v...)
			}
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("blob: reading %q chunk %d: %v", r.key, r.seq, err)
		}
		if chunk == nil {
			r.done = true
			return 0, io.EOF
		}
		r.seq++
		r.buf = chunk
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *chunkReader) Close() error {
	r.done = true
	r.buf = nil
	return nil
}

// Put stores a single opaque value under key without chunking.
func (s *Store) Put(key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketObjects).Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("blob.Put(%q): %v", key, err)
	}
	return nil
}

// Get retrieves a value stored with Put. A missing key returns nil.
func (s *Store) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketObjects).Get([]byte(key))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("blob.Get(%q): %v", key, err)
	}
	return out, nil
}

// Delete removes the bare key and every record under the key's
// namespace, chunked or not.
func (s *Store) Delete(key string) error {
	prefix := []byte(key + ":")
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		if err := b.Delete([]byte(key)); err != nil {
			return err
		}
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("blob.Delete(%q): %v", key, err)
	}
	return nil
}
