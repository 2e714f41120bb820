package vault

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/mail"
	"path"
	"strings"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/google/uuid"
	"github.com/teamwork/tnef"
	"vaulted.ink/email"
	"vaulted.ink/email/mimetree"
)

// ImportMeta is the source metadata accompanying the raw bytes of an
// imported message. Flags, Labels and Source are stored verbatim and
// surfaced back unmodified.
type ImportMeta struct {
	IDate      time.Time // import time, now if zero
	ReturnPath string    // overrides the Return-Path header if set
	Flags      []string
	Labels     []string
	Source     json.RawMessage // producer descriptor
}

// ImportResult reports the outcome of importing one message.
//
// A duplicate is a defined success outcome, not an error: the archive
// already holds a message with the same content hash and no new
// storage occurred. ID is the existing message in that case.
type ImportResult struct {
	ID        MsgID
	Size      int64
	Duplicate bool
}

// TextPart is one extracted inline text part, stored together with
// its siblings as a single JSON value under <blobkey>:text.
type TextPart struct {
	ContentType string `json:"contentType"`
	Charset     string `json:"charset,omitempty"`
	Text        string `json:"text"`
}

// attachRec is one extracted attachment headed for an Attachments row.
type attachRec struct {
	ContentType  string
	Disposition  string
	ContentID    string
	Filename     string
	OrigFilename string
	Size         int64
	Hash         string
	BlobKey      string
	ThumbKey     string
}

type graphEdge struct {
	Type string
	ID   string
}

// Import reads one raw message from r and archives it.
//
// The stream is spooled to a temporary buffer file while its content
// hash is computed, so arbitrarily large messages never occupy
// memory. A message whose hash is already archived returns
// Duplicate=true without further work.
func (a *Archive) Import(ctx context.Context, r io.Reader, meta ImportMeta) (ImportResult, error) {
	bf := a.filer.BufferFile(0)
	defer bf.Close()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(bf, h), r)
	if err != nil {
		return ImportResult{}, fmt.Errorf("vault: import: spooling source: %v", err)
	}
	hash := hex.EncodeToString(h.Sum(nil))
	return a.importSpooled(ctx, bf, size, hash, meta)
}

// ImportBuffer archives one raw message held in memory. The buffer is
// hashed up front so a duplicate short-circuits before any blob or
// MIME work.
func (a *Archive) ImportBuffer(ctx context.Context, data []byte, meta ImportMeta) (ImportResult, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	return a.importSpooled(ctx, bytes.NewReader(data), int64(len(data)), hash, meta)
}

func (a *Archive) importSpooled(ctx context.Context, src io.ReadSeeker, size int64, hash string, meta ImportMeta) (res ImportResult, err error) {
	start := time.Now()
	defer func() {
		a.logf("%s", Log{
			Where:    "vault",
			What:     "import",
			When:     start,
			Duration: time.Since(start),
			Err:      err,
			Data: map[string]interface{}{
				"msgid":     int64(res.ID),
				"size":      res.Size,
				"duplicate": res.Duplicate,
			},
		})
	}()

	conn, err := a.rwConn(ctx)
	if err != nil {
		return ImportResult{}, err
	}
	defer a.PoolRW.Put(conn)

	if id, found, err := findByHash(conn, hash); err != nil {
		return ImportResult{}, err
	} else if found {
		return ImportResult{ID: id, Size: size, Duplicate: true}, nil
	}

	st, err := a.extract(src, size, hash, meta)
	if err != nil {
		return ImportResult{}, err
	}

	id, err := a.insertMsg(conn, st)
	if err != nil {
		if sqlite.ErrCode(err) == sqlite.SQLITE_CONSTRAINT_UNIQUE {
			// Lost a race with a concurrent import of the
			// same bytes. The winner's row stands; our blob
			// namespace is unreachable and harmless.
			if id, found, ferr := findByHash(conn, hash); ferr == nil && found {
				return ImportResult{ID: id, Size: size, Duplicate: true}, nil
			}
		}
		return ImportResult{}, err
	}
	return ImportResult{ID: id, Size: size}, nil
}

// ImportConn archives a message using a caller-owned connection,
// inside whatever transaction the caller has open. No duplicate
// short-circuit is done beyond the unique content hash constraint.
func (a *Archive) ImportConn(conn *sqlite.Conn, data []byte, meta ImportMeta) (ImportResult, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	if id, found, err := findByHash(conn, hash); err != nil {
		return ImportResult{}, err
	} else if found {
		return ImportResult{ID: id, Size: int64(len(data)), Duplicate: true}, nil
	}

	st, err := a.extract(bytes.NewReader(data), int64(len(data)), hash, meta)
	if err != nil {
		return ImportResult{}, err
	}
	id, err := insertMsgRows(conn, st)
	if err != nil {
		return ImportResult{}, err
	}
	return ImportResult{ID: id, Size: st.size}, nil
}

func findByHash(conn *sqlite.Conn, hash string) (MsgID, bool, error) {
	stmt := conn.Prep("SELECT MsgID FROM Msgs WHERE ContentHash = $hash;")
	stmt.SetText("$hash", hash)
	if hasRow, err := stmt.Step(); err != nil {
		return 0, false, err
	} else if !hasRow {
		return 0, false, nil
	}
	id := MsgID(stmt.GetInt64("MsgID"))
	stmt.Reset()
	return id, true, nil
}

// importState carries everything extracted from one message between
// the blob-writing phase and the single relational transaction.
type importState struct {
	meta       ImportMeta
	blobKey    string
	hash       string
	size       int64
	subject    string
	hdrDate    time.Time
	returnPath string
	parseErr   string
	header     email.Header
	searchText string
	texts      []TextPart
	attached   []attachRec
	addrs      map[AddressRole][]*email.Address
	edges      []graphEdge
}

// extract runs the non-relational half of the pipeline: blob-key
// allocation, original-bytes archival, MIME decomposition, text and
// attachment extraction, address and graph-edge derivation. Nothing
// here touches the metadata store.
func (a *Archive) extract(src io.ReadSeeker, size int64, hash string, meta ImportMeta) (*importState, error) {
	st := &importState{
		meta:    meta,
		blobKey: "email:" + uuid.New().String(),
		hash:    hash,
		size:    size,
		addrs:   make(map[AddressRole][]*email.Address),
	}
	if st.meta.IDate.IsZero() {
		st.meta.IDate = time.Now()
	}

	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := a.Blobs.Write(st.blobKey+":source", src); err != nil {
		return nil, err
	}

	// Raw header lines come from our own reader, not the MIME
	// decomposition, so they survive even when decomposition fails.
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	hdr, err := email.ReadHeader(bufio.NewReader(src))
	if err != nil {
		st.parseErr = err.Error()
	}
	st.header = hdr

	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	msg, err := mimetree.Parse(src)
	if err != nil {
		// The original bytes are safe in the blob store; archive
		// what the headers give us and record the failure.
		if st.parseErr == "" {
			st.parseErr = err.Error()
		} else {
			st.parseErr += "; " + err.Error()
		}
	} else if len(msg.Defects) > 0 {
		st.parseErr = strings.Join(msg.Defects, "; ")
	}

	if msg != nil {
		st.subject = msg.GetHeader("Subject")
	} else {
		st.subject = hdr.Get("Subject")
	}
	if d, err := mail.ParseDate(hdr.Get("Date")); err == nil {
		st.hdrDate = d
	}

	st.returnPath = meta.ReturnPath
	if st.returnPath == "" {
		if addr, err := mimetree.ParseAddress(hdr.Get("Return-Path")); err == nil {
			st.returnPath = addr.Addr
		}
	}

	if msg != nil {
		if err := a.extractParts(st, msg.Root); err != nil {
			return nil, err
		}
	}
	st.searchText = searchableText(st.texts)

	if err := a.writeTextBlobs(st); err != nil {
		return nil, err
	}

	if msg != nil {
		for _, role := range allRoles {
			if role == RoleReturnPath {
				continue
			}
			for _, addr := range msg.AddressList(role.Header()) {
				addr.Addr = foldDomain(addr.Addr)
				st.addrs[role] = append(st.addrs[role], addr)
			}
		}
	}
	if st.returnPath != "" {
		st.addrs[RoleReturnPath] = []*email.Address{{Addr: foldDomain(st.returnPath)}}
	}

	st.edges = graphEdges(hdr)
	return st, nil
}

// extractParts walks the decomposed node tree, buffering inline text
// parts and streaming every other leaf through the chunked store.
func (a *Archive) extractParts(st *importState, root *mimetree.Node) error {
	used := make(map[string]bool)
	return root.Walk(func(n *mimetree.Node) error {
		if len(n.Children) > 0 || strings.HasPrefix(n.ContentType, "multipart/") {
			return nil
		}
		if n.IsText() {
			text := string(mimetree.Transcode(n.Charset, n.Content))
			if n.Flowed {
				text = mimetree.ReflowText(text, n.DelSp)
			}
			st.texts = append(st.texts, TextPart{
				ContentType: n.ContentType,
				Charset:     n.Charset,
				Text:        text,
			})
			return nil
		}
		if isTNEF(n) {
			if a.extractTNEF(st, n, used) {
				return nil
			}
			// Fall through: an undecodable container is still
			// an attachment worth keeping.
		}
		return a.storeAttachment(st, used, attachSrc{
			contentType: n.ContentType,
			disposition: n.Disposition,
			contentID:   n.ContentID,
			filename:    n.FileName,
			data:        n.Content,
		})
	})
}

func isTNEF(n *mimetree.Node) bool {
	switch n.ContentType {
	case "application/ms-tnef", "application/vnd.ms-tnef":
		return true
	}
	return strings.EqualFold(n.FileName, "winmail.dat")
}

// extractTNEF unpacks a transport-neutral encapsulation container and
// stores each inner file as its own attachment. Reports whether the
// container decoded; a failure is logged and the caller stores the
// container bytes opaquely instead.
func (a *Archive) extractTNEF(st *importState, n *mimetree.Node, used map[string]bool) bool {
	data, err := tnef.Decode(n.Content)
	if err != nil {
		a.logf("%s", Log{
			Where: "vault",
			What:  "tnef-decode",
			When:  time.Now(),
			Err:   err,
		})
		return false
	}
	for _, att := range data.Attachments {
		src := attachSrc{
			contentType: mime.TypeByExtension(path.Ext(att.Title)),
			disposition: "attachment",
			filename:    att.Title,
			data:        att.Data,
		}
		if err := a.storeAttachment(st, used, src); err != nil {
			a.logf("%s", Log{
				Where: "vault",
				What:  "tnef-attachment",
				When:  time.Now(),
				Err:   err,
				Data:  map[string]interface{}{"filename": att.Title},
			})
		}
	}
	return true
}

type attachSrc struct {
	contentType string
	disposition string
	contentID   string
	filename    string
	data        []byte
}

// storeAttachment writes one attachment payload through the chunked
// store and, for images, a thumbnail beside it.
func (a *Archive) storeAttachment(st *importState, used map[string]bool, src attachSrc) error {
	n := len(st.attached)
	name := displayFilename(src.filename, src.contentType, used)

	contentType := src.contentType
	if contentType == "" || contentType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(path.Ext(name)); byExt != "" {
			contentType = byExt
		}
	}

	fileKey := fmt.Sprintf("%s:attachment:%d:file", st.blobKey, n)
	info, err := a.Blobs.Write(fileKey, bytes.NewReader(src.data))
	if err != nil {
		return err
	}

	rec := attachRec{
		ContentType:  contentType,
		Disposition:  src.disposition,
		ContentID:    src.contentID,
		Filename:     name,
		OrigFilename: src.filename,
		Size:         info.Size,
		Hash:         info.Hash,
		BlobKey:      fileKey,
	}

	if a.Thumbnail != nil && strings.HasPrefix(contentType, "image/") {
		thumb, err := a.Thumbnail(contentType, src.data)
		if err != nil {
			a.logf("%s", Log{
				Where: "vault",
				What:  "thumbnail",
				When:  time.Now(),
				Err:   err,
				Data:  map[string]interface{}{"filename": name},
			})
		} else if len(thumb) > 0 {
			thumbKey := fmt.Sprintf("%s:attachment:%d:thumb", st.blobKey, n)
			if err := a.Blobs.Put(thumbKey, thumb); err != nil {
				return err
			}
			rec.ThumbKey = thumbKey
		}
	}

	st.attached = append(st.attached, rec)
	return nil
}

// displayFilename derives a filename unique within the message. A
// nameless part is named after its content type; a collision gets a
// numeric suffix before the extension.
func displayFilename(orig, contentType string, used map[string]bool) string {
	name := strings.TrimSpace(path.Base(orig))
	if name == "" || name == "." || name == "/" {
		ext := ".bin"
		if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
			ext = exts[0]
		}
		name = "attachment" + ext
	}
	if !used[name] {
		used[name] = true
		return name
	}
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 2; ; i++ {
		cand := fmt.Sprintf("%s-%d%s", base, i, ext)
		if !used[cand] {
			used[cand] = true
			return cand
		}
	}
}

// writeTextBlobs stores the small structured artifacts: the ordered
// text-part list and the ordered raw header lines, each as one JSON
// value.
func (a *Archive) writeTextBlobs(st *importState) error {
	texts, err := json.Marshal(st.texts)
	if err != nil {
		return fmt.Errorf("vault: encoding text parts: %v", err)
	}
	if err := a.Blobs.Put(st.blobKey+":text", texts); err != nil {
		return err
	}
	hdrs, err := json.Marshal(st.header.Lines())
	if err != nil {
		return fmt.Errorf("vault: encoding headers: %v", err)
	}
	return a.Blobs.Put(st.blobKey+":headers", hdrs)
}

// insertMsg writes every relational row for one message inside a
// single savepoint. Any insert failing rolls back the lot, leaving no
// partial message behind.
func (a *Archive) insertMsg(conn *sqlite.Conn, st *importState) (id MsgID, err error) {
	defer sqlitex.Save(conn)(&err)
	return insertMsgRows(conn, st)
}

func insertMsgRows(conn *sqlite.Conn, st *importState) (MsgID, error) {
	stmt := conn.Prep(`INSERT INTO Msgs (
			BlobKey, IDate, HdrDate, ReturnPath,
			FromAddrs, ToAddrs, CcAddrs, BccAddrs, ReplyToAddrs,
			Subject, SearchText, AttachmentCount, EncodedSize,
			ContentHash, Flags, Labels, Source, ParseError
		) VALUES (
			$blobKey, $idate, $hdrDate, $returnPath,
			$fromAddrs, $toAddrs, $ccAddrs, $bccAddrs, $replyToAddrs,
			$subject, $searchText, $attachmentCount, $encodedSize,
			$contentHash, $flags, $labels, $source, $parseError
		);`)
	stmt.SetText("$blobKey", st.blobKey)
	stmt.SetInt64("$idate", st.meta.IDate.Unix())
	if st.hdrDate.IsZero() {
		stmt.SetNull("$hdrDate")
	} else {
		stmt.SetInt64("$hdrDate", st.hdrDate.Unix())
	}
	stmt.SetText("$returnPath", st.returnPath)
	stmt.SetText("$fromAddrs", joinAddrs(st.addrs[RoleFrom]))
	stmt.SetText("$toAddrs", joinAddrs(st.addrs[RoleTo]))
	stmt.SetText("$ccAddrs", joinAddrs(st.addrs[RoleCC]))
	stmt.SetText("$bccAddrs", joinAddrs(st.addrs[RoleBCC]))
	stmt.SetText("$replyToAddrs", joinAddrs(st.addrs[RoleReplyTo]))
	stmt.SetText("$subject", st.subject)
	stmt.SetText("$searchText", st.searchText)
	stmt.SetInt64("$attachmentCount", int64(len(st.attached)))
	stmt.SetInt64("$encodedSize", st.size)
	stmt.SetText("$contentHash", st.hash)
	stmt.SetText("$flags", jsonList(st.meta.Flags))
	stmt.SetText("$labels", jsonList(st.meta.Labels))
	if len(st.meta.Source) == 0 {
		stmt.SetNull("$source")
	} else {
		stmt.SetText("$source", string(st.meta.Source))
	}
	if st.parseErr == "" {
		stmt.SetNull("$parseError")
	} else {
		stmt.SetText("$parseError", st.parseErr)
	}
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	msgID := MsgID(conn.LastInsertRowID())

	stmt = conn.Prep(`INSERT INTO MsgHdrs (MsgID, Key, Value)
		VALUES ($msgID, $key, $value);`)
	for _, entry := range st.header.Entries {
		stmt.Reset()
		stmt.SetInt64("$msgID", int64(msgID))
		stmt.SetText("$key", string(entry.Key))
		stmt.SetText("$value", entry.Value)
		if _, err := stmt.Step(); err != nil {
			return 0, err
		}
	}

	stmt = conn.Prep(`INSERT INTO Attachments (
			MsgID, ContentType, Disposition, ContentID,
			Filename, OrigFilename, Size, ContentHash,
			BlobKey, ThumbKey
		) VALUES (
			$msgID, $contentType, $disposition, $contentID,
			$filename, $origFilename, $size, $contentHash,
			$blobKey, $thumbKey
		);`)
	for _, att := range st.attached {
		stmt.Reset()
		stmt.SetInt64("$msgID", int64(msgID))
		stmt.SetText("$contentType", att.ContentType)
		stmt.SetText("$disposition", att.Disposition)
		stmt.SetText("$contentID", att.ContentID)
		stmt.SetText("$filename", att.Filename)
		stmt.SetText("$origFilename", att.OrigFilename)
		stmt.SetInt64("$size", att.Size)
		stmt.SetText("$contentHash", att.Hash)
		stmt.SetText("$blobKey", att.BlobKey)
		if att.ThumbKey == "" {
			stmt.SetNull("$thumbKey")
		} else {
			stmt.SetText("$thumbKey", att.ThumbKey)
		}
		if _, err := stmt.Step(); err != nil {
			return 0, err
		}
	}

	for _, role := range allRoles {
		for _, addr := range st.addrs[role] {
			contactID, err := resolveContact(conn, addr)
			if err != nil {
				return 0, err
			}
			first, middle, last := parseName(addr.Name)
			stmt = conn.Prep(`INSERT INTO Addresses (
					MsgID, ContactID, Role, Name, Address,
					FirstName, MiddleName, LastName
				) VALUES (
					$msgID, $contactID, $role, $name, $address,
					$firstName, $middleName, $lastName
				);`)
			stmt.SetInt64("$msgID", int64(msgID))
			stmt.SetInt64("$contactID", int64(contactID))
			stmt.SetInt64("$role", int64(role))
			stmt.SetText("$name", addr.Name)
			stmt.SetText("$address", addr.Addr)
			stmt.SetText("$firstName", first)
			stmt.SetText("$middleName", middle)
			stmt.SetText("$lastName", last)
			if _, err := stmt.Step(); err != nil {
				return 0, err
			}
		}
	}

	stmt = conn.Prep(`INSERT INTO GraphEdges (MsgID, EdgeType, ExternalID)
		VALUES ($msgID, $edgeType, $externalID);`)
	for _, e := range st.edges {
		stmt.Reset()
		stmt.SetInt64("$msgID", int64(msgID))
		stmt.SetText("$edgeType", e.Type)
		stmt.SetText("$externalID", e.ID)
		if _, err := stmt.Step(); err != nil {
			return 0, err
		}
	}

	return msgID, nil
}

func joinAddrs(addrs []*email.Address) string {
	if len(addrs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}

func jsonList(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// graphEdges derives conversation-linkage facts from the threading
// headers. References and In-Reply-To values split on whitespace into
// individual identifiers.
func graphEdges(hdr email.Header) []graphEdge {
	var edges []graphEdge
	add := func(edgeType string, values []string) {
		for _, v := range values {
			for _, id := range strings.Fields(v) {
				edges = append(edges, graphEdge{Type: edgeType, ID: id})
			}
		}
	}
	add("message-id", hdr.Values("Message-ID"))
	add("references", hdr.Values("References"))
	add("in-reply-to", hdr.Values("In-Reply-To"))

	for _, v := range hdr.Values("Thread-Index") {
		if root := threadIndexRoot(v); root != "" {
			edges = append(edges, graphEdge{Type: "thread-index", ID: root})
		}
	}
	add("thread-id", hdr.Values("X-GM-THRID"))
	return edges
}

// threadIndexRoot reduces a Thread-Index value to its conversation
// root: the first 22 bytes of the decoded index (the GUID plus the
// initial timestamp block), re-encoded. Replies append 5-byte deltas,
// so every message in the thread shares this prefix.
func threadIndexRoot(v string) string {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(v))
	if err != nil || len(raw) < 22 {
		return strings.TrimSpace(v)
	}
	return base64.StdEncoding.EncodeToString(raw[:22])
}
