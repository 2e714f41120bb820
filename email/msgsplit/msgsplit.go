// Package msgsplit locates the header/body boundary of an RFC 5322
// message byte stream and allows the header block to be rewritten
// before re-emission.
//
// The splitter is a two-phase state machine. Feed it chunks of any
// size; it buffers bytes until it finds a bare "\n\n" or "\r\n\r\n"
// boundary, even one split across chunk boundaries. At that point it
// reports HeadersReady and suspends: the caller may mutate the parsed
// header collection, then call Resume to obtain the (possibly
// rewritten) header block plus the remainder of the current chunk.
// Every chunk fed after Resume passes through unchanged as body.
//
// If the input ends before a boundary is found, End treats the whole
// input as headers with an empty body.
package msgsplit

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"vaulted.ink/email"
)

// Kind identifies what a Feed or End call produced.
type Kind int

const (
	// NeedMore means the boundary has not been seen yet; feed more input.
	NeedMore Kind = iota
	// HeadersReady means the header block is parsed and the splitter is
	// suspended until Resume is called.
	HeadersReady
	// Body carries pass-through body bytes.
	Body
)

func (k Kind) String() string {
	switch k {
	case NeedMore:
		return "NeedMore"
	case HeadersReady:
		return "HeadersReady"
	case Body:
		return "Body"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Action is the outcome of feeding a chunk.
type Action struct {
	Kind    Kind
	Headers *email.Header // set when Kind == HeadersReady
	Body    []byte        // set when Kind == Body
}

type state int

const (
	stateScanning state = iota
	stateSuspended
	stateBody
)

// Splitter splits one message stream. The zero value is ready to use.
type Splitter struct {
	state   state
	buf     []byte // accumulated bytes while scanning for the boundary
	scanned int    // bytes of buf already known boundary-free
	headers email.Header
	rawHdr  []byte // original header block bytes, boundary included
	rest    []byte // chunk remainder held while suspended
}

var (
	errSuspended = errors.New("msgsplit: suspended, call Resume before feeding more input")
	errDone      = errors.New("msgsplit: input already ended")
)

// Feed consumes the next chunk of input.
func (s *Splitter) Feed(chunk []byte) (Action, error) {
	switch s.state {
	case stateSuspended:
		return Action{}, errSuspended
	case stateBody:
		return Action{Kind: Body, Body: chunk}, nil
	}

	s.buf = append(s.buf, chunk...)

	// Resume scanning a few bytes back so a boundary split across
	// two chunks is still seen.
	from := s.scanned - 3
	if from < 0 {
		from = 0
	}
	end, seplen := findBoundary(s.buf[from:])
	if end < 0 {
		s.scanned = len(s.buf)
		return Action{Kind: NeedMore}, nil
	}
	end += from

	s.rawHdr = s.buf[:end+seplen]
	s.rest = s.buf[end+seplen:]
	hdr, err := email.ReadHeader(bufio.NewReader(bytes.NewReader(s.rawHdr)))
	if err != nil {
		return Action{}, fmt.Errorf("msgsplit: parsing headers: %v", err)
	}
	s.headers = hdr
	s.state = stateSuspended
	return Action{Kind: HeadersReady, Headers: &s.headers}, nil
}

// End signals that the input is exhausted.
//
// If the boundary was never found, the entire buffered input is
// parsed as headers and the splitter suspends with an empty body.
func (s *Splitter) End() (Action, error) {
	switch s.state {
	case stateSuspended:
		return Action{}, errSuspended
	case stateBody:
		return Action{Kind: Body}, nil
	}
	s.rawHdr = s.buf
	s.rest = nil
	hdr, err := email.ReadHeader(bufio.NewReader(bytes.NewReader(s.rawHdr)))
	if err != nil {
		return Action{}, fmt.Errorf("msgsplit: parsing headers: %v", err)
	}
	s.headers = hdr
	s.state = stateSuspended
	return Action{Kind: HeadersReady, Headers: &s.headers}, nil
}

// Resume commits any header mutation and returns the bytes to emit:
// the header block followed by whatever body bytes arrived in the
// same chunk as the boundary.
//
// If modified is false the original header bytes are emitted exactly
// as they were read, preserving byte-reproducibility.
func (s *Splitter) Resume(modified bool) ([]byte, error) {
	if s.state != stateSuspended {
		return nil, errors.New("msgsplit: Resume called while not suspended")
	}
	s.state = stateBody

	if !modified {
		return append(s.rawHdr, s.rest...), nil
	}
	buf := new(bytes.Buffer)
	if _, err := s.headers.Encode(buf); err != nil {
		return nil, fmt.Errorf("msgsplit: encoding headers: %v", err)
	}
	buf.Write(s.rest)
	return buf.Bytes(), nil
}

// findBoundary reports the index just past the final header line and
// the length of the separator sequence, or -1 if no boundary is
// present in b.
func findBoundary(b []byte) (end, seplen int) {
	crlf := bytes.Index(b, []byte("\r\n\r\n"))
	lf := bytes.Index(b, []byte("\n\n"))
	switch {
	case crlf < 0 && lf < 0:
		return -1, 0
	case crlf < 0 || (lf >= 0 && lf < crlf):
		return lf, 2
	default:
		return crlf, 4
	}
}

// Rewrite streams src to dst, invoking mutate on the parsed header
// collection before the header block is re-emitted. A nil mutate
// passes the original bytes through untouched.
func Rewrite(dst io.Writer, src io.Reader, mutate func(*email.Header) error) error {
	s := new(Splitter)
	chunk := make([]byte, 32*1024)
	emit := func(act Action) error {
		if act.Kind != HeadersReady {
			return nil
		}
		modified := false
		if mutate != nil {
			if err := mutate(act.Headers); err != nil {
				return err
			}
			modified = true
		}
		out, err := s.Resume(modified)
		if err != nil {
			return err
		}
		_, err = dst.Write(out)
		return err
	}

	for {
		n, err := src.Read(chunk)
		if n > 0 {
			act, ferr := s.Feed(chunk[:n])
			if ferr != nil {
				return ferr
			}
			switch act.Kind {
			case HeadersReady:
				if err := emit(act); err != nil {
					return err
				}
			case Body:
				if _, err := dst.Write(act.Body); err != nil {
					return err
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}

	act, err := s.End()
	if err != nil {
		return err
	}
	return emit(act)
}
