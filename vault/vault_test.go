package vault

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite/sqlitex"
)

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	filer := iox.NewFiler(0)
	a, err := Open(filer, filepath.Join(t.TempDir(), "vault.db"), 4)
	if err != nil {
		t.Fatal(err)
	}
	a.Logf = t.Logf
	t.Cleanup(func() {
		if err := a.Close(); err != nil {
			t.Error(err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		filer.Shutdown(ctx)
	})
	return a
}

func crlf(s string) []byte {
	return []byte(strings.Replace(s, "\n", "\r\n", -1))
}

var simpleMsg = crlf(`Return-Path: <sender@example.com>
From: "Alicia Vega" <alicia@example.com>
To: "Bruno Marsh" <bruno@example.org>
Date: Mon, 12 Jan 2004 09:30:00 -0500
Subject: quarterly filing
Message-ID: <root-1@example.com>
Content-Type: text/plain; charset=utf-8

The filing deadline moved to Thursday.
`)

var multipartMsg = crlf(`From: alicia@example.com
To: bruno@example.org
Date: Tue, 13 Jan 2004 11:00:00 -0500
Subject: photos attached
Message-ID: <root-2@example.com>
Content-Type: multipart/mixed; boundary="XBOUND"

--XBOUND
Content-Type: text/plain; charset=utf-8

plainonlyword in the body
--XBOUND
Content-Type: text/html; charset=utf-8

<html><body><p>rendermarker in the body</p><script>ignored()</script></body></html>
--XBOUND
Content-Type: image/png
Content-Disposition: attachment; filename="site.png"
Content-Transfer-Encoding: base64

iVBORw0KGgoAAAANSUhEUg==
--XBOUND--
`)

func mustImport(t *testing.T, a *Archive, data []byte, meta ImportMeta) ImportResult {
	t.Helper()
	res, err := a.ImportBuffer(context.Background(), data, meta)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func countTable(t *testing.T, a *Archive, table string) int64 {
	t.Helper()
	conn := a.PoolRW.Get(nil)
	defer a.PoolRW.Put(conn)
	n, err := sqlitex.ResultInt64(conn.Prep("SELECT COUNT(*) FROM " + table + ";"))
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestImportDedup(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	res1 := mustImport(t, a, simpleMsg, ImportMeta{})
	if res1.Duplicate {
		t.Fatal("first import reported duplicate")
	}
	if res1.Size != int64(len(simpleMsg)) {
		t.Errorf("size = %d, want %d", res1.Size, len(simpleMsg))
	}

	res2 := mustImport(t, a, simpleMsg, ImportMeta{})
	if !res2.Duplicate {
		t.Fatal("second import of identical bytes not reported duplicate")
	}
	if res2.ID != res1.ID {
		t.Errorf("duplicate ID = %v, want %v", res2.ID, res1.ID)
	}

	// The streaming entry point dedups too.
	res3, err := a.Import(ctx, bytes.NewReader(simpleMsg), ImportMeta{})
	if err != nil {
		t.Fatal(err)
	}
	if !res3.Duplicate {
		t.Fatal("stream import of identical bytes not reported duplicate")
	}

	if n := countTable(t, a, "Msgs"); n != 1 {
		t.Errorf("Msgs rows = %d, want 1", n)
	}
}

func TestImportExtraction(t *testing.T) {
	a := newTestArchive(t)
	a.Thumbnail = func(contentType string, data []byte) ([]byte, error) {
		return []byte("THUMB:" + contentType), nil
	}
	ctx := context.Background()

	res := mustImport(t, a, multipartMsg, ImportMeta{
		Flags:  []string{"seen"},
		Source: []byte(`{"format":"eml","path":"/evidence/photos.eml"}`),
	})

	m, found, err := a.Message(ctx, res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("imported message not found")
	}
	if m.Subject != "photos attached" {
		t.Errorf("Subject = %q", m.Subject)
	}
	if m.AttachmentCount != 1 {
		t.Fatalf("AttachmentCount = %d, want 1", m.AttachmentCount)
	}
	att := m.Attachments[0]
	if att.Filename != "site.png" {
		t.Errorf("attachment Filename = %q", att.Filename)
	}
	if att.ContentType != "image/png" {
		t.Errorf("attachment ContentType = %q", att.ContentType)
	}
	if att.ThumbKey == "" {
		t.Error("image attachment missing thumbnail")
	}
	thumb, err := a.AttachmentThumbnail(ctx, att.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(thumb) != "THUMB:image/png" {
		t.Errorf("thumbnail = %q", thumb)
	}

	texts, err := a.TextParts(ctx, res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(texts) != 2 {
		t.Fatalf("text parts = %d, want 2", len(texts))
	}
	if texts[0].ContentType != "text/plain" || texts[1].ContentType != "text/html" {
		t.Errorf("text part types = %q, %q", texts[0].ContentType, texts[1].ContentType)
	}

	hdrs, err := a.RawHeaders(ctx, res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(hdrs) == 0 || !strings.HasPrefix(hdrs[0], "From:") {
		t.Errorf("raw headers = %q", hdrs)
	}

	if string(m.Source) != `{"format":"eml","path":"/evidence/photos.eml"}` {
		t.Errorf("Source = %s", m.Source)
	}
	if len(m.Flags) != 1 || m.Flags[0] != "seen" {
		t.Errorf("Flags = %q", m.Flags)
	}
}

func TestSearchPrefersRenderedHTML(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	res := mustImport(t, a, multipartMsg, ImportMeta{})

	msgs, _, err := a.Messages(ctx, Query{Term: "rendermarker"})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != res.ID {
		t.Fatalf("Term=rendermarker matched %d messages", len(msgs))
	}

	// The raw text/plain sibling is the fallback, not indexed when
	// an HTML part rendered text.
	msgs, _, err = a.Messages(ctx, Query{Term: "plainonlyword"})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("Term=plainonlyword matched %d messages, want 0", len(msgs))
	}

	// Script bodies never reach the index.
	msgs, _, err = a.Messages(ctx, Query{Term: "ignored"})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("Term=ignored matched %d messages, want 0", len(msgs))
	}
}

func TestPagination(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	for i := 0; i < 45; i++ {
		msg := crlf(fmt.Sprintf(`From: bulk@example.com
Date: Mon, %d Mar 2004 10:00:00 -0500
Subject: bulk %d
Message-ID: <bulk-%d@example.com>

body %d
`, 1+i%28, i, i, i))
		mustImport(t, a, msg, ImportMeta{})
	}

	msgs, page, err := a.Messages(ctx, Query{Page: 1, PageSize: 20})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 20 {
		t.Errorf("page 1 rows = %d, want 20", len(msgs))
	}
	if page.Total != 45 || page.Pages != 3 {
		t.Errorf("page info = %+v, want Total=45 Pages=3", page)
	}

	msgs, _, err = a.Messages(ctx, Query{Page: 3, PageSize: 20})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 5 {
		t.Errorf("page 3 rows = %d, want 5", len(msgs))
	}

	// Newest header date first.
	msgs, _, err = a.Messages(ctx, Query{Page: 1, PageSize: 45})
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].HdrDate.After(msgs[i-1].HdrDate) {
			t.Fatalf("results not ordered by header date: %v before %v",
				msgs[i-1].HdrDate, msgs[i].HdrDate)
		}
	}
}

func TestThreadGraph(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	msg := crlf(`From: alicia@example.com
Date: Wed, 14 Jan 2004 08:00:00 -0500
Subject: re: filing
Message-ID: <reply-1@example.com>
In-Reply-To: <root-1@example.com>
References: <root-1@example.com> <mid-1@example.com> <mid-2@example.com>

catching up on the thread.
`)
	res := mustImport(t, a, msg, ImportMeta{})

	conn := a.PoolRW.Get(nil)
	stmt := conn.Prep("SELECT COUNT(*) FROM GraphEdges WHERE MsgID = $msgID AND EdgeType = 'references';")
	stmt.SetInt64("$msgID", int64(res.ID))
	n, err := sqlitex.ResultInt64(stmt)
	a.PoolRW.Put(conn)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("references edges = %d, want 3", n)
	}

	for _, id := range []string{"<root-1@example.com>", "<mid-1@example.com>", "<mid-2@example.com>"} {
		msgs, _, err := a.Messages(ctx, Query{Graph: One(id)})
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 1 || msgs[0].ID != res.ID {
			t.Errorf("Graph=%q matched %d messages", id, len(msgs))
		}
	}

	msgs, _, err := a.Messages(ctx, Query{MessageID: "<reply-1@example.com>"})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("MessageID lookup matched %d messages", len(msgs))
	}
}

func TestContactNormalization(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	msg1 := crlf(`From: "Uma Vance" <User+promo@Example.COM>
Date: Thu, 15 Jan 2004 08:00:00 -0500
Subject: one
Message-ID: <norm-1@example.com>

first occurrence.
`)
	msg2 := crlf(`From: user@example.com
Date: Fri, 16 Jan 2004 08:00:00 -0500
Subject: two
Message-ID: <norm-2@example.com>

second occurrence.
`)
	mustImport(t, a, msg1, ImportMeta{})
	mustImport(t, a, msg2, ImportMeta{})

	contacts, _, err := a.QueryContacts(ctx, Query{Term: "user@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 1 {
		t.Fatalf("contacts = %d, want 1 (plus-tag variants must merge)", len(contacts))
	}
	c := contacts[0]
	if c.NormAddr != "user@example.com" {
		t.Errorf("NormAddr = %q", c.NormAddr)
	}
	// The nameless second occurrence must not erase the name.
	if c.DisplayName != "Uma Vance" {
		t.Errorf("DisplayName = %q, want Uma Vance", c.DisplayName)
	}

	msgs, _, err := a.Messages(ctx, Query{Contact: c.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Errorf("Contact=%v matched %d messages, want 2", c.ID, len(msgs))
	}
}

func TestTagCatalogue(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	res1 := mustImport(t, a, simpleMsg, ImportMeta{})
	res2 := mustImport(t, a, multipartMsg, ImportMeta{})

	if err := a.SetTags(ctx, res1.ID, []string{"Evidence", "review"}); err != nil {
		t.Fatal(err)
	}
	if err := a.SetTags(ctx, res2.ID, []string{"evidence"}); err != nil {
		t.Fatal(err)
	}

	catalogue, err := a.ProjectTags(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(catalogue) != 2 {
		t.Fatalf("catalogue = %q, want 2 tags", catalogue)
	}

	msgs, _, err := a.Messages(ctx, Query{Tags: []string{"EVIDENCE"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Errorf("Tags=EVIDENCE matched %d messages, want 2", len(msgs))
	}

	// Dropping the tag from one message keeps it in the catalogue.
	if err := a.SetTags(ctx, res1.ID, []string{"review"}); err != nil {
		t.Fatal(err)
	}
	catalogue, err = a.ProjectTags(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !containsTag(catalogue, "evidence") {
		t.Errorf("catalogue = %q, evidence missing while still carried", catalogue)
	}

	// Dropping it from the last message removes it.
	if err := a.SetTags(ctx, res2.ID, nil); err != nil {
		t.Fatal(err)
	}
	catalogue, err = a.ProjectTags(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if containsTag(catalogue, "evidence") {
		t.Errorf("catalogue = %q, evidence should be gone", catalogue)
	}
}

func containsTag(catalogue []string, tag string) bool {
	for _, c := range catalogue {
		if foldTag(c) == tag {
			return true
		}
	}
	return false
}

func TestTransactionAtomicity(t *testing.T) {
	a := newTestArchive(t)

	hdrsBefore := countTable(t, a, "MsgHdrs")
	msgsBefore := countTable(t, a, "Msgs")

	conn := a.PoolRW.Get(nil)
	err := sqlitex.ExecScript(conn, `CREATE TRIGGER FailEdges
		BEFORE INSERT ON GraphEdges
		BEGIN SELECT RAISE(ABORT, 'forced failure'); END;`)
	a.PoolRW.Put(conn)
	if err != nil {
		t.Fatal(err)
	}

	_, err = a.ImportBuffer(context.Background(), multipartMsg, ImportMeta{})
	if err == nil {
		t.Fatal("import succeeded despite forced edge-insert failure")
	}

	if n := countTable(t, a, "Msgs"); n != msgsBefore {
		t.Errorf("Msgs rows = %d after failed import, want %d", n, msgsBefore)
	}
	if n := countTable(t, a, "MsgHdrs"); n != hdrsBefore {
		t.Errorf("MsgHdrs rows = %d after failed import, want %d", n, hdrsBefore)
	}
	if n := countTable(t, a, "Attachments"); n != 0 {
		t.Errorf("Attachments rows = %d after failed import, want 0", n)
	}

	conn = a.PoolRW.Get(nil)
	err = sqlitex.ExecScript(conn, "DROP TRIGGER FailEdges;")
	a.PoolRW.Put(conn)
	if err != nil {
		t.Fatal(err)
	}

	// The same bytes import cleanly once the failure is gone.
	res := mustImport(t, a, multipartMsg, ImportMeta{})
	if res.Duplicate {
		t.Error("retry after rollback reported duplicate")
	}
}

func TestTNEFFallback(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	// Not a TNEF stream: the decode fails and the container is
	// kept as an opaque attachment.
	msg := crlf(`From: legacy@example.com
Date: Sat, 17 Jan 2004 08:00:00 -0500
Subject: forwarded winmail
Message-ID: <tnef-1@example.com>
Content-Type: multipart/mixed; boundary="XB"

--XB
Content-Type: text/plain

see attached
--XB
Content-Type: application/ms-tnef
Content-Disposition: attachment; filename="winmail.dat"

notactuallytnefbytes
--XB--
`)
	res := mustImport(t, a, msg, ImportMeta{})

	m, found, err := a.Message(ctx, res.ID)
	if err != nil || !found {
		t.Fatalf("found=%v err=%v", found, err)
	}
	if m.AttachmentCount != 1 {
		t.Fatalf("AttachmentCount = %d, want 1 opaque container", m.AttachmentCount)
	}
	if m.Attachments[0].Filename != "winmail.dat" {
		t.Errorf("Filename = %q", m.Attachments[0].Filename)
	}
}

func TestExportSource(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	res := mustImport(t, a, simpleMsg, ImportMeta{})

	// OpenSource replays the original bytes exactly.
	src, found, err := a.OpenSource(ctx, res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("source not found")
	}
	got, err := ioutil.ReadAll(src)
	src.Close()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, simpleMsg) {
		t.Errorf("OpenSource bytes differ from import:\n%q\n%q", got, simpleMsg)
	}

	buf := new(bytes.Buffer)
	if err := a.ExportSource(ctx, res.ID, buf, "Message-ID"); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if strings.Contains(out, "Return-Path:") {
		t.Error("export kept Return-Path header")
	}
	if strings.Contains(out, "Message-ID:") {
		t.Error("export kept caller-stripped Message-ID header")
	}
	if !strings.Contains(out, "X-Mailvault-Archive:") {
		t.Error("export missing provenance header")
	}
	if !strings.Contains(out, "The filing deadline moved to Thursday.") {
		t.Error("export body mangled")
	}
}

func TestDeleteAndPurge(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	res := mustImport(t, a, simpleMsg, ImportMeta{})

	if err := a.Delete(ctx, res.ID); err != nil {
		t.Fatal(err)
	}
	if _, found, err := a.Message(ctx, res.ID); err != nil {
		t.Fatal(err)
	} else if found {
		t.Error("soft-deleted message still visible in queries")
	}
	// Soft delete keeps the bytes.
	if _, found, err := a.OpenSource(ctx, res.ID); err != nil || !found {
		t.Errorf("soft-deleted source gone: found=%v err=%v", found, err)
	}

	key, _, err := a.blobKeyOf(ctx, res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Purge(ctx, res.ID); err != nil {
		t.Fatal(err)
	}
	if n := countTable(t, a, "Msgs"); n != 0 {
		t.Errorf("Msgs rows = %d after purge", n)
	}
	if n := countTable(t, a, "MsgHdrs"); n != 0 {
		t.Errorf("MsgHdrs rows = %d after purge, cascade failed", n)
	}
	if b, err := a.Blobs.ReadBuffer(key + ":source"); err != nil || len(b) != 0 {
		t.Errorf("purged source still readable: %d bytes, err=%v", len(b), err)
	}
}

func TestMigrationIdempotent(t *testing.T) {
	filer := iox.NewFiler(0)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		filer.Shutdown(ctx)
	}()
	dbfile := filepath.Join(t.TempDir(), "vault.db")

	a, err := Open(filer, dbfile, 2)
	if err != nil {
		t.Fatal(err)
	}
	res := mustImport(t, a, simpleMsg, ImportMeta{})
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopening runs the migration path again over an up-to-date
	// archive; everything must still be there.
	a, err = Open(filer, dbfile, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	m, found, err := a.Message(context.Background(), res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !found || m.Subject != "quarterly filing" {
		t.Errorf("message lost across reopen: found=%v subject=%q", found, m.Subject)
	}

	res2 := mustImport(t, a, simpleMsg, ImportMeta{})
	if !res2.Duplicate {
		t.Error("dedup lost across reopen")
	}
}

func TestDateRangeAndHeaderFilters(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	mustImport(t, a, simpleMsg, ImportMeta{})    // Jan 12
	mustImport(t, a, multipartMsg, ImportMeta{}) // Jan 13

	start := time.Date(2004, 1, 13, 0, 0, 0, 0, time.UTC)
	msgs, _, err := a.Messages(ctx, Query{Date: &DateRange{Start: start}})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Subject != "photos attached" {
		t.Errorf("date filter matched %d messages", len(msgs))
	}

	msgs, _, err = a.Messages(ctx, Query{Headers: HeaderMatch{"Return-Path": ""}})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Subject != "quarterly filing" {
		t.Errorf("header existence filter matched %d messages", len(msgs))
	}

	msgs, _, err = a.Messages(ctx, Query{Headers: HeaderMatch{"Message-ID": "root-2"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Subject != "photos attached" {
		t.Errorf("header value filter matched %d messages", len(msgs))
	}
}

func TestAttachmentQuery(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	mustImport(t, a, simpleMsg, ImportMeta{})
	res := mustImport(t, a, multipartMsg, ImportMeta{})

	atts, page, err := a.QueryAttachments(ctx, Query{})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || len(atts) != 1 {
		t.Fatalf("attachments = %d (total %d), want 1", len(atts), page.Total)
	}
	att := atts[0]
	if att.MsgID != res.ID || att.Filename != "site.png" {
		t.Errorf("attachment = %+v", att)
	}

	// The facet filters messages too.
	msgs, _, err := a.Messages(ctx, Query{Attachments: &AttachmentFilter{Filename: "site"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != res.ID {
		t.Errorf("attachment facet matched %d messages", len(msgs))
	}

	data, err := a.AttachmentBytes(ctx, att.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Error("attachment payload empty")
	}
	uri, err := a.AttachmentDataURI(ctx, att.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(uri, "data:image/png;base64,") {
		t.Errorf("data URI = %q", uri)
	}

	// Size range with unit conversion on the lower bound.
	msgs, _, err = a.Messages(ctx, Query{Attachments: &AttachmentFilter{
		Size: &SizeRange{Start: 1, Unit: "mb"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("1mb lower bound matched %d messages, want 0", len(msgs))
	}
}

func TestAddressFilters(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	mustImport(t, a, simpleMsg, ImportMeta{})

	for _, q := range []Query{
		{From: One("alicia@example.com")},
		{From: One("Alicia Vega")},
		{To: One("bruno@example.org")},
		{Any: One("bruno")},
		{AnyTo: One("bruno@example.org")},
		{ReturnPath: One("sender@example.com")},
		{From: Strings{"nobody@example.net", "alicia@example.com"}},
	} {
		msgs, _, err := a.Messages(ctx, q)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 1 {
			t.Errorf("query %+v matched %d messages, want 1", q, len(msgs))
		}
	}

	msgs, _, err := a.Messages(ctx, Query{From: One("bruno@example.org")})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("From=bruno matched %d messages, want 0", len(msgs))
	}
}
