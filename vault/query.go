package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"crawshaw.io/sqlite"
)

// queryBuilder assembles a WHERE clause from independent predicate
// fragments plus a named-parameter map, so optional filters compose
// without string concatenation of user values.
type queryBuilder struct {
	clauses []string
	params  map[string]interface{}
	n       int
}

func newQueryBuilder() *queryBuilder {
	return &queryBuilder{params: make(map[string]interface{})}
}

// param registers a value and returns its parameter name.
func (b *queryBuilder) param(v interface{}) string {
	b.n++
	name := fmt.Sprintf("$p%d", b.n)
	b.params[name] = v
	return name
}

func (b *queryBuilder) where(clause string) {
	b.clauses = append(b.clauses, clause)
}

// sql renders the accumulated predicates as a WHERE clause, or ""
// when no predicate was added.
func (b *queryBuilder) sql() string {
	if len(b.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.clauses, " AND ")
}

// bind sets every registered parameter on stmt.
func (b *queryBuilder) bind(stmt *sqlite.Stmt) {
	for name, v := range b.params {
		switch v := v.(type) {
		case string:
			stmt.SetText(name, v)
		case int64:
			stmt.SetInt64(name, v)
		case int:
			stmt.SetInt64(name, int64(v))
		case bool:
			stmt.SetBool(name, v)
		case []byte:
			stmt.SetBytes(name, v)
		default:
			panic(fmt.Sprintf("queryBuilder.bind: unhandled type %T", v))
		}
	}
}

// Strings is a filter field accepting one value or several,
// OR-combined.
type Strings []string

// One wraps a single value.
func One(v string) Strings { return Strings{v} }

// DateRange is an inclusive range over the header date.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// SizeRange filters attachments by byte size. Unit scales the lower
// bound: "kb", "mb" or "gb"; empty or "b" means bytes.
type SizeRange struct {
	Start int64
	End   int64
	Unit  string
}

func (r SizeRange) lowerBytes() int64 {
	switch strings.ToLower(r.Unit) {
	case "kb":
		return r.Start * 1024
	case "mb":
		return r.Start * 1024 * 1024
	case "gb":
		return r.Start * 1024 * 1024 * 1024
	default:
		return r.Start
	}
}

// AttachmentFilter selects attachments by their stored attributes. On
// a message query it selects messages containing at least one
// matching attachment; on an attachment query it filters the listing
// itself.
type AttachmentFilter struct {
	Hash        string
	ContentID   string
	ContentType string
	Filename    string // LIKE match
	Size        *SizeRange
}

// HeaderMatch describes one header predicate: Value "" tests mere
// existence of the key, anything else is a LIKE match on the value.
type HeaderMatch map[string]string

// Query is the filter surface shared by the three views. Zero values
// mean "no constraint". Address fields are OR-combined within a field
// and AND-combined across fields.
type Query struct {
	Term    string // full-text match against subject and body
	Subject string // LIKE match
	Headers HeaderMatch
	Graph   Strings // conversation membership by external identifier

	From        Strings
	To          Strings
	CC          Strings
	BCC         Strings
	ReplyTo     Strings
	DeliveredTo Strings
	ReturnPath  Strings
	Any         Strings // any role
	AnyTo       Strings // to, cc, bcc, delivered-to
	Contact     ContactID

	Tags        []string // AND-combined: a message must carry every tag
	Attachments *AttachmentFilter
	MessageID   string
	Date        *DateRange
	ID          MsgID
	Import      string // substring match against the source descriptor

	Page     int // 1-based, default 1
	PageSize int // default 20
}

func (q Query) page() (page, pageSize int) {
	page, pageSize = q.Page, q.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	return page, pageSize
}

// PageInfo describes one page of results.
type PageInfo struct {
	Total    int // matching rows across all pages
	Pages    int
	Page     int
	PageSize int
}

func pageInfo(total, page, pageSize int) PageInfo {
	pages := (total + pageSize - 1) / pageSize
	return PageInfo{Total: total, Pages: pages, Page: page, PageSize: pageSize}
}

// roleFilter maps one address filter field onto an EXISTS predicate
// over the Addresses table.
func (b *queryBuilder) roleFilter(roles []AddressRole, values Strings) {
	if len(values) == 0 {
		return
	}
	roleList := make([]string, 0, len(roles))
	for _, r := range roles {
		roleList = append(roleList, fmt.Sprintf("%d", int(r)))
	}
	var alts []string
	for _, v := range values {
		p := b.param("%" + v + "%")
		alts = append(alts, fmt.Sprintf("(ad.Address LIKE %s OR ad.Name LIKE %s)", p, p))
	}
	b.where(fmt.Sprintf(
		"EXISTS (SELECT 1 FROM Addresses ad WHERE ad.MsgID = Msgs.MsgID AND ad.Role IN (%s) AND (%s))",
		strings.Join(roleList, ", "), strings.Join(alts, " OR ")))
}

// attachmentConds contributes the attachment-attribute predicates,
// against the Attachments table aliased as "at".
func (b *queryBuilder) attachmentConds(f *AttachmentFilter) []string {
	var conds []string
	if f.Hash != "" {
		conds = append(conds, "at.ContentHash = "+b.param(f.Hash))
	}
	if f.ContentID != "" {
		conds = append(conds, "at.ContentID = "+b.param(f.ContentID))
	}
	if f.ContentType != "" {
		conds = append(conds, "at.ContentType = "+b.param(f.ContentType))
	}
	if f.Filename != "" {
		p := b.param("%" + f.Filename + "%")
		conds = append(conds, fmt.Sprintf("(at.Filename LIKE %s OR at.OrigFilename LIKE %s)", p, p))
	}
	if f.Size != nil {
		conds = append(conds, "at.Size >= "+b.param(f.Size.lowerBytes()))
		if f.Size.End > 0 {
			conds = append(conds, "at.Size <= "+b.param(f.Size.End))
		}
	}
	return conds
}

// msgPredicates translates q into predicates over the Msgs table.
func (b *queryBuilder) msgPredicates(q Query) {
	b.where("Msgs.Deleted = FALSE")

	if q.ID != 0 {
		b.where("Msgs.MsgID = " + b.param(int64(q.ID)))
	}
	if q.Term != "" {
		b.where("Msgs.MsgID IN (SELECT rowid FROM MsgSearch WHERE MsgSearch MATCH " + b.param(q.Term) + ")")
	}
	if q.Subject != "" {
		b.where("Msgs.Subject LIKE " + b.param("%"+q.Subject+"%"))
	}
	for key, value := range q.Headers {
		kp := b.param(key)
		if value == "" {
			b.where(fmt.Sprintf(
				"EXISTS (SELECT 1 FROM MsgHdrs mh WHERE mh.MsgID = Msgs.MsgID AND mh.Key = %s)", kp))
		} else {
			vp := b.param("%" + value + "%")
			b.where(fmt.Sprintf(
				"EXISTS (SELECT 1 FROM MsgHdrs mh WHERE mh.MsgID = Msgs.MsgID AND mh.Key = %s AND mh.Value LIKE %s)", kp, vp))
		}
	}
	if len(q.Graph) > 0 {
		var ps []string
		for _, id := range q.Graph {
			ps = append(ps, b.param(id))
		}
		b.where(fmt.Sprintf(
			"EXISTS (SELECT 1 FROM GraphEdges ge WHERE ge.MsgID = Msgs.MsgID AND ge.ExternalID IN (%s))",
			strings.Join(ps, ", ")))
	}
	if q.MessageID != "" {
		b.where(fmt.Sprintf(
			"EXISTS (SELECT 1 FROM GraphEdges ge WHERE ge.MsgID = Msgs.MsgID AND ge.EdgeType = 'message-id' AND ge.ExternalID = %s)",
			b.param(q.MessageID)))
	}

	b.roleFilter([]AddressRole{RoleFrom}, q.From)
	b.roleFilter([]AddressRole{RoleTo}, q.To)
	b.roleFilter([]AddressRole{RoleCC}, q.CC)
	b.roleFilter([]AddressRole{RoleBCC}, q.BCC)
	b.roleFilter([]AddressRole{RoleReplyTo}, q.ReplyTo)
	b.roleFilter([]AddressRole{RoleDeliveredTo}, q.DeliveredTo)
	b.roleFilter([]AddressRole{RoleReturnPath}, q.ReturnPath)
	b.roleFilter(allRoles, q.Any)
	b.roleFilter([]AddressRole{RoleTo, RoleCC, RoleBCC, RoleDeliveredTo}, q.AnyTo)

	if q.Contact != 0 {
		b.where(fmt.Sprintf(
			"EXISTS (SELECT 1 FROM Addresses ad WHERE ad.MsgID = Msgs.MsgID AND ad.ContactID = %s)",
			b.param(int64(q.Contact))))
	}

	for _, tag := range q.Tags {
		b.where(fmt.Sprintf(
			"EXISTS (SELECT 1 FROM MsgTags mt WHERE mt.MsgID = Msgs.MsgID AND mt.Tag = %s)",
			b.param(foldTag(tag))))
	}

	if q.Attachments != nil {
		conds := b.attachmentConds(q.Attachments)
		cond := "1"
		if len(conds) > 0 {
			cond = strings.Join(conds, " AND ")
		}
		b.where(fmt.Sprintf(
			"EXISTS (SELECT 1 FROM Attachments at WHERE at.MsgID = Msgs.MsgID AND %s)", cond))
	}

	if q.Date != nil {
		if !q.Date.Start.IsZero() {
			b.where("Msgs.HdrDate >= " + b.param(q.Date.Start.Unix()))
		}
		if !q.Date.End.IsZero() {
			b.where("Msgs.HdrDate <= " + b.param(q.Date.End.Unix()))
		}
	}

	if q.Import != "" {
		b.where("Msgs.Source LIKE " + b.param("%"+q.Import+"%"))
	}
}

// MessageSummary is one message result row.
type MessageSummary struct {
	ID              MsgID
	BlobKey         string
	IDate           time.Time
	HdrDate         time.Time // zero if the Date header was absent or unparseable
	ReturnPath      string
	From            string // denormalized joined display strings
	To              string
	CC              string
	BCC             string
	ReplyTo         string
	Subject         string
	AttachmentCount int
	Size            int64
	ContentHash     string
	Flags           []string
	Labels          []string
	Source          json.RawMessage
	ParseError      string

	Addresses   map[string][]AddressOccurrence // grouped by role name
	Attachments []AttachmentSummary
	Tags        []string
}

// AddressOccurrence is one parsed address row of a message.
type AddressOccurrence struct {
	Name    string
	Addr    string
	Contact ContactID
}

// AttachmentSummary is one attachment result row.
type AttachmentSummary struct {
	ID           AttachmentID
	MsgID        MsgID
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

// ContactSummary is one contact result row.
type ContactSummary struct {
	ID          ContactID
	NormAddr    string
	DisplayName string
	FirstName   string
	MiddleName  string
	LastName    string
}

// prepDynamic prepares a query whose text depends on the filter
// combination. Such statements bypass the connection's statement
// cache; callers must Finalize them.
func prepDynamic(conn *sqlite.Conn, query string) (*sqlite.Stmt, error) {
	stmt, _, err := conn.PrepareTransient(query)
	return stmt, err
}

func countRows(conn *sqlite.Conn, b *queryBuilder, from string) (int, error) {
	stmt, err := prepDynamic(conn, "SELECT COUNT(*) AS c FROM "+from+b.sql()+";")
	if err != nil {
		return 0, err
	}
	defer stmt.Finalize()
	b.bind(stmt)
	if hasRow, err := stmt.Step(); err != nil {
		return 0, err
	} else if !hasRow {
		return 0, nil
	}
	return int(stmt.GetInt64("c")), nil
}

// Messages runs a paginated message query, newest header date first,
// ties broken by descending id. Each row carries its grouped address
// list and attachment summaries; body text and raw headers stay in
// the blob store until asked for.
func (a *Archive) Messages(ctx context.Context, q Query) ([]MessageSummary, PageInfo, error) {
	conn, err := a.roConn(ctx)
	if err != nil {
		return nil, PageInfo{}, err
	}
	defer a.PoolRO.Put(conn)

	b := newQueryBuilder()
	b.msgPredicates(q)
	page, pageSize := q.page()

	total, err := countRows(conn, b, "Msgs")
	if err != nil {
		return nil, PageInfo{}, err
	}

	stmt, err := prepDynamic(conn, `SELECT MsgID, BlobKey, IDate, HdrDate, ReturnPath,
			FromAddrs, ToAddrs, CcAddrs, BccAddrs, ReplyToAddrs,
			Subject, AttachmentCount, EncodedSize, ContentHash,
			Flags, Labels, Source, ParseError
		FROM Msgs`+b.sql()+`
		ORDER BY HdrDate DESC, MsgID DESC
		LIMIT $limit OFFSET $offset;`)
	if err != nil {
		return nil, PageInfo{}, err
	}
	defer stmt.Finalize()
	b.bind(stmt)
	stmt.SetInt64("$limit", int64(pageSize))
	stmt.SetInt64("$offset", int64(pageSize*(page-1)))

	var msgs []MessageSummary
	for {
		if hasRow, err := stmt.Step(); err != nil {
			return nil, PageInfo{}, err
		} else if !hasRow {
			break
		}
		msgs = append(msgs, scanMsg(stmt))
	}

	for i := range msgs {
		if err := enrichMsg(conn, &msgs[i]); err != nil {
			return nil, PageInfo{}, err
		}
	}
	return msgs, pageInfo(total, page, pageSize), nil
}

func scanMsg(stmt *sqlite.Stmt) MessageSummary {
	m := MessageSummary{
		ID:              MsgID(stmt.GetInt64("MsgID")),
		BlobKey:         stmt.GetText("BlobKey"),
		IDate:           time.Unix(stmt.GetInt64("IDate"), 0),
		ReturnPath:      stmt.GetText("ReturnPath"),
		From:            stmt.GetText("FromAddrs"),
		To:              stmt.GetText("ToAddrs"),
		CC:              stmt.GetText("CcAddrs"),
		BCC:             stmt.GetText("BccAddrs"),
		ReplyTo:         stmt.GetText("ReplyToAddrs"),
		Subject:         stmt.GetText("Subject"),
		AttachmentCount: int(stmt.GetInt64("AttachmentCount")),
		Size:            stmt.GetInt64("EncodedSize"),
		ContentHash:     stmt.GetText("ContentHash"),
		ParseError:      stmt.GetText("ParseError"),
	}
	if hd := stmt.GetInt64("HdrDate"); hd != 0 {
		m.HdrDate = time.Unix(hd, 0)
	}
	if v := stmt.GetText("Flags"); v != "" {
		json.Unmarshal([]byte(v), &m.Flags)
	}
	if v := stmt.GetText("Labels"); v != "" {
		json.Unmarshal([]byte(v), &m.Labels)
	}
	if v := stmt.GetText("Source"); v != "" {
		m.Source = json.RawMessage(v)
	}
	return m
}

// enrichMsg loads the grouped address list, attachment summaries and
// tags for one result row.
func enrichMsg(conn *sqlite.Conn, m *MessageSummary) error {
	stmt := conn.Prep(`SELECT Role, Name, Address, ContactID
		FROM Addresses WHERE MsgID = $msgID ORDER BY AddressID;`)
	stmt.SetInt64("$msgID", int64(m.ID))
	m.Addresses = make(map[string][]AddressOccurrence)
	for {
		if hasRow, err := stmt.Step(); err != nil {
			return err
		} else if !hasRow {
			break
		}
		role := AddressRole(stmt.GetInt64("Role")).String()
		m.Addresses[role] = append(m.Addresses[role], AddressOccurrence{
			Name:    stmt.GetText("Name"),
			Addr:    stmt.GetText("Address"),
			Contact: ContactID(stmt.GetInt64("ContactID")),
		})
	}

	stmt = conn.Prep(`SELECT AttachmentID, MsgID, ContentType, Disposition,
			ContentID, Filename, OrigFilename, Size, ContentHash, BlobKey, ThumbKey
		FROM Attachments WHERE MsgID = $msgID ORDER BY AttachmentID;`)
	stmt.SetInt64("$msgID", int64(m.ID))
	for {
		if hasRow, err := stmt.Step(); err != nil {
			return err
		} else if !hasRow {
			break
		}
		m.Attachments = append(m.Attachments, scanAttachment(stmt))
	}

	stmt = conn.Prep(`SELECT Display FROM MsgTags WHERE MsgID = $msgID ORDER BY Tag;`)
	stmt.SetInt64("$msgID", int64(m.ID))
	for {
		if hasRow, err := stmt.Step(); err != nil {
			return err
		} else if !hasRow {
			break
		}
		m.Tags = append(m.Tags, stmt.GetText("Display"))
	}
	return nil
}

func scanAttachment(stmt *sqlite.Stmt) AttachmentSummary {
	return AttachmentSummary{
		ID:           AttachmentID(stmt.GetInt64("AttachmentID")),
		MsgID:        MsgID(stmt.GetInt64("MsgID")),
		ContentType:  stmt.GetText("ContentType"),
		Disposition:  stmt.GetText("Disposition"),
		ContentID:    stmt.GetText("ContentID"),
		Filename:     stmt.GetText("Filename"),
		OrigFilename: stmt.GetText("OrigFilename"),
		Size:         stmt.GetInt64("Size"),
		Hash:         stmt.GetText("ContentHash"),
		BlobKey:      stmt.GetText("BlobKey"),
		ThumbKey:     stmt.GetText("ThumbKey"),
	}
}

// QueryAttachments runs a paginated attachment listing, filename
// ascending. Message-level predicates in q restrict which messages'
// attachments appear; the attachment facet filters the listing
// directly.
func (a *Archive) QueryAttachments(ctx context.Context, q Query) ([]AttachmentSummary, PageInfo, error) {
	conn, err := a.roConn(ctx)
	if err != nil {
		return nil, PageInfo{}, err
	}
	defer a.PoolRO.Put(conn)

	b := newQueryBuilder()
	attFilter := q.Attachments
	q.Attachments = nil
	b.msgPredicates(q)
	if attFilter != nil {
		for _, cond := range b.attachmentConds(attFilter) {
			b.where(cond)
		}
	}
	page, pageSize := q.page()

	from := "Attachments at JOIN Msgs ON Msgs.MsgID = at.MsgID"
	total, err := countRows(conn, b, from)
	if err != nil {
		return nil, PageInfo{}, err
	}

	stmt, err := prepDynamic(conn, `SELECT at.AttachmentID AS AttachmentID, at.MsgID AS MsgID,
			at.ContentType AS ContentType, at.Disposition AS Disposition,
			at.ContentID AS ContentID, at.Filename AS Filename,
			at.OrigFilename AS OrigFilename, at.Size AS Size,
			at.ContentHash AS ContentHash, at.BlobKey AS BlobKey,
			at.ThumbKey AS ThumbKey
		FROM `+from+b.sql()+`
		ORDER BY at.Filename ASC, at.AttachmentID ASC
		LIMIT $limit OFFSET $offset;`)
	if err != nil {
		return nil, PageInfo{}, err
	}
	defer stmt.Finalize()
	b.bind(stmt)
	stmt.SetInt64("$limit", int64(pageSize))
	stmt.SetInt64("$offset", int64(pageSize*(page-1)))

	var atts []AttachmentSummary
	for {
		if hasRow, err := stmt.Step(); err != nil {
			return nil, PageInfo{}, err
		} else if !hasRow {
			break
		}
		atts = append(atts, scanAttachment(stmt))
	}
	return atts, pageInfo(total, page, pageSize), nil
}

// QueryContacts runs a paginated contact listing, ordered by last
// name, first name, normalized address. Term matches the display name
// or address; Contact selects one record by id.
func (a *Archive) QueryContacts(ctx context.Context, q Query) ([]ContactSummary, PageInfo, error) {
	conn, err := a.roConn(ctx)
	if err != nil {
		return nil, PageInfo{}, err
	}
	defer a.PoolRO.Put(conn)

	b := newQueryBuilder()
	if q.Contact != 0 {
		b.where("ContactID = " + b.param(int64(q.Contact)))
	}
	if q.Term != "" {
		p := b.param("%" + q.Term + "%")
		b.where(fmt.Sprintf("(NormAddr LIKE %s OR DisplayName LIKE %s)", p, p))
	}
	page, pageSize := q.page()

	total, err := countRows(conn, b, "Contacts")
	if err != nil {
		return nil, PageInfo{}, err
	}

	stmt, err := prepDynamic(conn, `SELECT ContactID, NormAddr, DisplayName,
			FirstName, MiddleName, LastName
		FROM Contacts`+b.sql()+`
		ORDER BY LastName ASC, FirstName ASC, NormAddr ASC
		LIMIT $limit OFFSET $offset;`)
	if err != nil {
		return nil, PageInfo{}, err
	}
	defer stmt.Finalize()
	b.bind(stmt)
	stmt.SetInt64("$limit", int64(pageSize))
	stmt.SetInt64("$offset", int64(pageSize*(page-1)))

	var contacts []ContactSummary
	for {
		if hasRow, err := stmt.Step(); err != nil {
			return nil, PageInfo{}, err
		} else if !hasRow {
			break
		}
		contacts = append(contacts, ContactSummary{
			ID:          ContactID(stmt.GetInt64("ContactID")),
			NormAddr:    stmt.GetText("NormAddr"),
			DisplayName: stmt.GetText("DisplayName"),
			FirstName:   stmt.GetText("FirstName"),
			MiddleName:  stmt.GetText("MiddleName"),
			LastName:    stmt.GetText("LastName"),
		})
	}
	return contacts, pageInfo(total, page, pageSize), nil
}
