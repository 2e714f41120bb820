package vault

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"vaulted.ink/email"
	"vaulted.ink/email/msgsplit"
)

// Message fetches one message by id, enriched like a query result.
// A nonexistent or purged id reports found=false, not an error.
func (a *Archive) Message(ctx context.Context, id MsgID) (MessageSummary, bool, error) {
	msgs, _, err := a.Messages(ctx, Query{ID: id, PageSize: 1})
	if err != nil {
		return MessageSummary{}, false, err
	}
	if len(msgs) == 0 {
		return MessageSummary{}, false, nil
	}
	return msgs[0], true, nil
}

// blobKeyOf looks up the blob namespace of a message, soft-deleted or
// not. Purge needs the key for already-deleted rows, so Deleted is
// not filtered here.
func (a *Archive) blobKeyOf(ctx context.Context, id MsgID) (string, bool, error) {
	conn, err := a.roConn(ctx)
	if err != nil {
		return "", false, err
	}
	defer a.PoolRO.Put(conn)
	return blobKeyOf(conn, id)
}

func blobKeyOf(conn *sqlite.Conn, id MsgID) (string, bool, error) {
	stmt := conn.Prep("SELECT BlobKey FROM Msgs WHERE MsgID = $msgID;")
	stmt.SetInt64("$msgID", int64(id))
	if hasRow, err := stmt.Step(); err != nil {
		return "", false, err
	} else if !hasRow {
		return "", false, nil
	}
	key := stmt.GetText("BlobKey")
	stmt.Reset()
	return key, true, nil
}

// TextParts returns the extracted inline text parts of a message in
// original order, loaded from the blob store.
func (a *Archive) TextParts(ctx context.Context, id MsgID) ([]TextPart, error) {
	key, found, err := a.blobKeyOf(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	b, err := a.Blobs.Get(key + ":text")
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}
	var texts []TextPart
	if err := json.Unmarshal(b, &texts); err != nil {
		return nil, fmt.Errorf("vault: %v text parts: %v", id, err)
	}
	return texts, nil
}

// RawHeaders returns the original header lines of a message, exactly
// as they appeared in the source bytes.
func (a *Archive) RawHeaders(ctx context.Context, id MsgID) ([]string, error) {
	key, found, err := a.blobKeyOf(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	b, err := a.Blobs.Get(key + ":headers")
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}
	var lines []string
	if err := json.Unmarshal(b, &lines); err != nil {
		return nil, fmt.Errorf("vault: %v headers: %v", id, err)
	}
	return lines, nil
}

// Attachment fetches one attachment row by id. found=false for a
// nonexistent id.
func (a *Archive) Attachment(ctx context.Context, id AttachmentID) (AttachmentSummary, bool, error) {
	conn, err := a.roConn(ctx)
	if err != nil {
		return AttachmentSummary{}, false, err
	}
	defer a.PoolRO.Put(conn)

	stmt := conn.Prep(`SELECT AttachmentID, MsgID, ContentType, Disposition,
			ContentID, Filename, OrigFilename, Size, ContentHash, BlobKey, ThumbKey
		FROM Attachments WHERE AttachmentID = $attachmentID;`)
	stmt.SetInt64("$attachmentID", int64(id))
	if hasRow, err := stmt.Step(); err != nil {
		return AttachmentSummary{}, false, err
	} else if !hasRow {
		return AttachmentSummary{}, false, nil
	}
	att := scanAttachment(stmt)
	stmt.Reset()
	return att, true, nil
}

// AttachmentBytes returns the decoded payload of one attachment.
func (a *Archive) AttachmentBytes(ctx context.Context, id AttachmentID) ([]byte, error) {
	att, found, err := a.Attachment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return a.Blobs.ReadBuffer(att.BlobKey)
}

// AttachmentDataURI returns the payload as a data: URI for direct
// embedding.
func (a *Archive) AttachmentDataURI(ctx context.Context, id AttachmentID) (string, error) {
	att, found, err := a.Attachment(ctx, id)
	if err != nil {
		return "", err
	}
	if !found {
		return "", nil
	}
	data, err := a.Blobs.ReadBuffer(att.BlobKey)
	if err != nil {
		return "", err
	}
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// AttachmentThumbnail returns the stored thumbnail for an attachment,
// or nil if none was generated.
func (a *Archive) AttachmentThumbnail(ctx context.Context, id AttachmentID) ([]byte, error) {
	att, found, err := a.Attachment(ctx, id)
	if err != nil || !found || att.ThumbKey == "" {
		return nil, err
	}
	return a.Blobs.Get(att.ThumbKey)
}

// OpenSource streams the original bytes of a message, byte-for-byte
// as imported. found=false for a nonexistent id.
func (a *Archive) OpenSource(ctx context.Context, id MsgID) (io.ReadCloser, bool, error) {
	key, found, err := a.blobKeyOf(ctx, id)
	if err != nil || !found {
		return nil, false, err
	}
	return a.Blobs.Open(key + ":source"), true, nil
}

// exportStrip are headers removed from every exported message: trace
// headers recorded by intermediate MTAs and our own vendor headers a
// prior export may have injected.
var exportStrip = []email.Key{
	"Return-Path",
	"Delivered-To",
	"X-Mailvault-Archive",
}

// ExportSource writes a canonical reconstruction of the message to
// dst: the original bytes with trace and vendor headers stripped, the
// caller's extra strip list applied, and a provenance header injected
// recording the archive namespace and content hash. The body is
// forwarded untouched.
func (a *Archive) ExportSource(ctx context.Context, id MsgID, dst io.Writer, strip ...email.Key) error {
	conn, err := a.roConn(ctx)
	if err != nil {
		return err
	}
	stmt := conn.Prep("SELECT BlobKey, ContentHash FROM Msgs WHERE MsgID = $msgID;")
	stmt.SetInt64("$msgID", int64(id))
	hasRow, err := stmt.Step()
	if err != nil {
		a.PoolRO.Put(conn)
		return err
	}
	if !hasRow {
		a.PoolRO.Put(conn)
		return fmt.Errorf("vault.ExportSource: no message %v", id)
	}
	key := stmt.GetText("BlobKey")
	hash := stmt.GetText("ContentHash")
	stmt.Reset()
	a.PoolRO.Put(conn)

	src := a.Blobs.Open(key + ":source")
	defer src.Close()

	provenance := fmt.Sprintf("%s; sha256=%s", strings.TrimPrefix(key, "email:"), hash)
	return msgsplit.Rewrite(dst, src, func(hdr *email.Header) error {
		for _, k := range exportStrip {
			hdr.Del(k)
		}
		for _, k := range strip {
			hdr.Del(k)
		}
		hdr.Add("X-Mailvault-Archive", provenance)
		return nil
	})
}

// Delete soft-deletes a message: it vanishes from queries but its
// rows and blobs stay on disk until Purge.
func (a *Archive) Delete(ctx context.Context, id MsgID) error {
	conn, err := a.rwConn(ctx)
	if err != nil {
		return err
	}
	defer a.PoolRW.Put(conn)

	stmt := conn.Prep("UPDATE Msgs SET Deleted = TRUE WHERE MsgID = $msgID;")
	stmt.SetInt64("$msgID", int64(id))
	_, err = stmt.Step()
	return err
}

// Purge removes every trace of a message: the relational rows (child
// tables cascade), the tag catalogue entries no other message holds,
// and the blob namespace.
func (a *Archive) Purge(ctx context.Context, id MsgID) (err error) {
	conn, err := a.rwConn(ctx)
	if err != nil {
		return err
	}
	defer a.PoolRW.Put(conn)

	key, found, err := blobKeyOf(conn, id)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	err = func() (err error) {
		defer sqlitex.Save(conn)(&err)

		tags, err := msgTags(conn, id)
		if err != nil {
			return err
		}
		stmt := conn.Prep("DELETE FROM Msgs WHERE MsgID = $msgID;")
		stmt.SetInt64("$msgID", int64(id))
		if _, err := stmt.Step(); err != nil {
			return err
		}
		for _, tag := range tags {
			if err := pruneProjectTag(conn, tag.fold); err != nil {
				return err
			}
		}
		return nil
	}()
	if err != nil {
		return err
	}

	return a.Blobs.Delete(key)
}
