package vault

import (
	"context"
	"strings"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// foldTag maps a tag's display form onto its folded identity: tags
// differing only in case or surrounding space are the same tag.
func foldTag(display string) string {
	return strings.ToLower(strings.TrimSpace(display))
}

type tagRow struct {
	fold    string
	display string
}

func msgTags(conn *sqlite.Conn, id MsgID) ([]tagRow, error) {
	stmt := conn.Prep("SELECT Tag, Display FROM MsgTags WHERE MsgID = $msgID ORDER BY Tag;")
	stmt.SetInt64("$msgID", int64(id))
	var tags []tagRow
	for {
		if hasRow, err := stmt.Step(); err != nil {
			return nil, err
		} else if !hasRow {
			break
		}
		tags = append(tags, tagRow{
			fold:    stmt.GetText("Tag"),
			display: stmt.GetText("Display"),
		})
	}
	return tags, nil
}

// Tags returns the display forms of the tags on one message.
func (a *Archive) Tags(ctx context.Context, id MsgID) ([]string, error) {
	conn, err := a.roConn(ctx)
	if err != nil {
		return nil, err
	}
	defer a.PoolRO.Put(conn)

	rows, err := msgTags(conn, id)
	if err != nil {
		return nil, err
	}
	tags := make([]string, 0, len(rows))
	for _, row := range rows {
		tags = append(tags, row.display)
	}
	return tags, nil
}

// ProjectTags returns the archive-wide tag catalogue: the display
// form of every tag at least one message still carries.
func (a *Archive) ProjectTags(ctx context.Context) ([]string, error) {
	conn, err := a.roConn(ctx)
	if err != nil {
		return nil, err
	}
	defer a.PoolRO.Put(conn)

	stmt := conn.Prep("SELECT Display FROM ProjectTags ORDER BY Tag;")
	var tags []string
	for {
		if hasRow, err := stmt.Step(); err != nil {
			return nil, err
		} else if !hasRow {
			break
		}
		tags = append(tags, stmt.GetText("Display"))
	}
	return tags, nil
}

// SetTags replaces the tag set on one message, diffing against the
// current set and keeping the archive-wide catalogue consistent: a
// tag leaves the catalogue only when the last message carrying it
// drops it.
func (a *Archive) SetTags(ctx context.Context, id MsgID, tags []string) (err error) {
	conn, err := a.rwConn(ctx)
	if err != nil {
		return err
	}
	defer a.PoolRW.Put(conn)
	defer sqlitex.Save(conn)(&err)

	desired := make(map[string]string, len(tags)) // fold -> display
	for _, t := range tags {
		if fold := foldTag(t); fold != "" {
			desired[fold] = strings.TrimSpace(t)
		}
	}

	current, err := msgTags(conn, id)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(current))
	for _, row := range current {
		have[row.fold] = true
		if _, keep := desired[row.fold]; keep {
			continue
		}
		stmt := conn.Prep("DELETE FROM MsgTags WHERE MsgID = $msgID AND Tag = $tag;")
		stmt.SetInt64("$msgID", int64(id))
		stmt.SetText("$tag", row.fold)
		if _, err := stmt.Step(); err != nil {
			return err
		}
		if err := pruneProjectTag(conn, row.fold); err != nil {
			return err
		}
	}

	for fold, display := range desired {
		if have[fold] {
			continue
		}
		stmt := conn.Prep(`INSERT INTO MsgTags (MsgID, Tag, Display)
			VALUES ($msgID, $tag, $display);`)
		stmt.SetInt64("$msgID", int64(id))
		stmt.SetText("$tag", fold)
		stmt.SetText("$display", display)
		if _, err := stmt.Step(); err != nil {
			return err
		}
		stmt = conn.Prep(`INSERT INTO ProjectTags (Tag, Display)
			VALUES ($tag, $display)
			ON CONFLICT (Tag) DO UPDATE SET Display = excluded.Display;`)
		stmt.SetText("$tag", fold)
		stmt.SetText("$display", display)
		if _, err := stmt.Step(); err != nil {
			return err
		}
	}
	return nil
}

// pruneProjectTag drops a tag from the catalogue when no message
// carries it anymore.
func pruneProjectTag(conn *sqlite.Conn, fold string) error {
	stmt := conn.Prep(`DELETE FROM ProjectTags WHERE Tag = $tag
		AND NOT EXISTS (SELECT 1 FROM MsgTags WHERE Tag = $tag);`)
	stmt.SetText("$tag", fold)
	_, err := stmt.Step()
	return err
}
