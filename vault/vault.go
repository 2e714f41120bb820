// Package vault manages a single evidentiary email archive.
//
// An archive is a SQLite metadata database plus a chunked blob store
// holding original message bytes, extracted text, attachment payloads
// and thumbnails. Messages go in through the import pipeline and come
// back out through paginated, filterable queries; the original bytes
// of every message remain reproducible byte-for-byte.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"vaulted.ink/blob"
)

type MsgID int64

type ContactID int64

type AttachmentID int64

func (id MsgID) String() string        { return fmt.Sprintf("m%d", int64(id)) }
func (id ContactID) String() string    { return fmt.Sprintf("c%d", int64(id)) }
func (id AttachmentID) String() string { return fmt.Sprintf("a%d", int64(id)) }

// AddressRole identifies which header an address occurrence came from.
type AddressRole int8

const (
	RoleFrom        AddressRole = 1
	RoleTo          AddressRole = 2
	RoleCC          AddressRole = 3
	RoleBCC         AddressRole = 4
	RoleReplyTo     AddressRole = 5
	RoleDeliveredTo AddressRole = 6
	RoleReturnPath  AddressRole = 7
)

var allRoles = []AddressRole{
	RoleFrom, RoleTo, RoleCC, RoleBCC,
	RoleReplyTo, RoleDeliveredTo, RoleReturnPath,
}

func (r AddressRole) String() string {
	switch r {
	case RoleFrom:
		return "from"
	case RoleTo:
		return "to"
	case RoleCC:
		return "cc"
	case RoleBCC:
		return "bcc"
	case RoleReplyTo:
		return "replyTo"
	case RoleDeliveredTo:
		return "deliveredTo"
	case RoleReturnPath:
		return "returnPath"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Header returns the header key this role's addresses are read from.
func (r AddressRole) Header() string {
	switch r {
	case RoleFrom:
		return "From"
	case RoleTo:
		return "To"
	case RoleCC:
		return "CC"
	case RoleBCC:
		return "BCC"
	case RoleReplyTo:
		return "Reply-To"
	case RoleDeliveredTo:
		return "Delivered-To"
	case RoleReturnPath:
		return "Return-Path"
	default:
		return ""
	}
}

// Thumbnailer renders a small preview image for an attachment. The
// returned bytes are stored opaquely next to the attachment payload.
type Thumbnailer func(contentType string, data []byte) ([]byte, error)

// Archive is an open email archive.
//
// The relational connection model: PoolRW holds exactly one
// connection, so writes serialize in FIFO order behind it. PoolRO
// holds the rest, so reads may overlap an in-flight write. Callers
// must not assume read-your-write ordering against another caller's
// in-flight transaction.
type Archive struct {
	PoolRO *sqlitex.Pool
	PoolRW *sqlitex.Pool
	Blobs  *blob.Store

	// Logf, if set, receives structured one-line log records.
	Logf func(format string, args ...interface{})

	// Thumbnail, if set, is invoked for every stored image
	// attachment. Failures are logged and swallowed.
	Thumbnail Thumbnailer

	filer *iox.Filer
}

// Open opens (creating if needed) the archive at dbfile. The blob
// store lives next to it in <name>_blobs.db.
func Open(filer *iox.Filer, dbfile string, poolSize int) (_ *Archive, err error) {
	a := &Archive{filer: filer}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	dbdir, dbfilename := filepath.Split(dbfile)
	blobFile := filepath.Join(dbdir, strings.TrimSuffix(dbfilename, ".db")+"_blobs.db")

	flags := sqlite.SQLITE_OPEN_SHAREDCACHE |
		sqlite.SQLITE_OPEN_WAL |
		sqlite.SQLITE_OPEN_URI |
		sqlite.SQLITE_OPEN_NOMUTEX
	flagsRW := flags | sqlite.SQLITE_OPEN_READWRITE | sqlite.SQLITE_OPEN_CREATE

	a.PoolRW, err = sqlitex.Open(dbfile, flagsRW, 1)
	if err != nil {
		return nil, err
	}
	if err := enableForeignKeys(a.PoolRW, 1); err != nil {
		return nil, err
	}
	conn := a.PoolRW.Get(nil)
	err = initDB(conn)
	a.PoolRW.Put(conn)
	if err != nil {
		return nil, fmt.Errorf("vault.Open: init DB: %v", err)
	}

	if poolSize > 1 {
		flagsRO := flags | sqlite.SQLITE_OPEN_READONLY
		a.PoolRO, err = sqlitex.Open(dbfile, flagsRO, poolSize-1)
		if err != nil {
			return nil, err
		}
		if err := enableForeignKeys(a.PoolRO, poolSize-1); err != nil {
			return nil, err
		}
	} else {
		a.PoolRO = a.PoolRW
	}

	a.Blobs, err = blob.Open(blobFile)
	if err != nil {
		return nil, err
	}

	return a, nil
}

func enableForeignKeys(pool *sqlitex.Pool, poolSize int) error {
	var conns []*sqlite.Conn
	defer func() {
		for _, conn := range conns {
			pool.Put(conn)
		}
	}()
	for i := 0; i < poolSize; i++ {
		conn := pool.Get(nil)
		if conn == nil {
			return fmt.Errorf("vault: cannot get connection %d to set pragmas", i)
		}
		conns = append(conns, conn)
		if err := sqlitex.ExecTransient(conn, "PRAGMA foreign_keys = ON;", nil); err != nil {
			return err
		}
	}
	return nil
}

func (a *Archive) Close() (err error) {
	if a == nil {
		return fmt.Errorf("vault: already closed")
	}
	if a.PoolRW != nil {
		err = a.PoolRW.Close()
	}
	if a.PoolRO != nil && a.PoolRO != a.PoolRW {
		if cerr := a.PoolRO.Close(); err == nil {
			err = cerr
		}
	}
	a.PoolRW = nil
	a.PoolRO = nil
	if a.Blobs != nil {
		if cerr := a.Blobs.Close(); err == nil {
			err = cerr
		}
		a.Blobs = nil
	}
	return err
}

func (a *Archive) logf(format string, args ...interface{}) {
	if a.Logf != nil {
		a.Logf(format, args...)
	}
}

func initDB(conn *sqlite.Conn) (err error) {
	stmt, _, err := conn.PrepareTransient("PRAGMA journal_mode=WAL;")
	if err != nil {
		return err
	}
	_, err = stmt.Step()
	stmt.Finalize()
	if err != nil {
		return err
	}
	return migrate(conn)
}

// rwConn fetches the single write connection, respecting ctx.
func (a *Archive) rwConn(ctx context.Context) (*sqlite.Conn, error) {
	conn := a.PoolRW.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	return conn, nil
}

func (a *Archive) roConn(ctx context.Context) (*sqlite.Conn, error) {
	conn := a.PoolRO.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	return conn, nil
}

// Log is a structured log record rendered as one JSON line.
type Log struct {
	Where    string
	What     string
	When     time.Time
	Duration time.Duration
	Err      error
	Data     map[string]interface{}
}

func (l Log) String() string {
	buf := new(strings.Builder)
	fmt.Fprintf(buf, `{"where": %q, "what": %q, `, l.Where, l.What)

	buf.WriteString(`"when": "`)
	buf.Write(l.When.AppendFormat(make([]byte, 0, 64), time.RFC3339Nano))
	buf.WriteString(`"`)

	fmt.Fprintf(buf, `, "duration": "%s"`, l.Duration)

	if l.Err != nil {
		fmt.Fprintf(buf, `, "err": %q`, l.Err.Error())
	}
	if len(l.Data) > 0 {
		b, err := json.Marshal(l.Data)
		if err != nil {
			fmt.Fprintf(buf, `, "data_marshal_err": %q`, err.Error())
		} else {
			fmt.Fprintf(buf, `, "data": %s`, b)
		}
	}
	buf.WriteByte('}')
	return buf.String()
}
