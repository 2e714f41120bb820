package vault

import (
	"fmt"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// schemaVersion is the version a freshly created archive is stamped
// with. Opening an older archive applies migrations[v:] in order.
const schemaVersion = 3

// Each migration step runs best-effort: archives in the field may be
// partially upgraded (a crash mid-upgrade, or a build that shipped a
// subset of these statements), so a failing ALTER or CREATE INDEX is
// logged by the caller and ignored. Reading or writing the version
// marker itself failing is fatal.
var migrations = []string{
	// v1 -> v2: record decomposition defects per message.
	"ALTER TABLE Msgs ADD COLUMN ParseError TEXT;",
	// v2 -> v3: thumbnails and faster thread lookups.
	"ALTER TABLE Attachments ADD COLUMN ThumbKey TEXT;" +
		"CREATE INDEX IF NOT EXISTS GraphEdgesExternalID ON GraphEdges (ExternalID);",
}

func migrate(conn *sqlite.Conn) (err error) {
	defer sqlitex.Save(conn)(&err)

	if err := sqlitex.ExecScript(conn, createSQL); err != nil {
		return fmt.Errorf("vault: creating schema: %v", err)
	}

	version, err := readVersion(conn)
	if err != nil {
		return fmt.Errorf("vault: reading schema version: %v", err)
	}
	if version == 0 {
		// Fresh archive: createSQL already produced the current
		// schema, stamp it and skip the upgrade path.
		return writeVersion(conn, schemaVersion, true)
	}

	for ; version < schemaVersion; version++ {
		step := migrations[version-1]
		if err := sqlitex.ExecScript(conn, step); err != nil {
			// Tolerated: the statement may have been applied by an
			// earlier partial upgrade. The version marker still
			// advances so the step is attempted exactly once.
			_ = err
		}
		if err := writeVersion(conn, version+1, false); err != nil {
			return fmt.Errorf("vault: writing schema version %d: %v", version+1, err)
		}
	}
	return nil
}

func readVersion(conn *sqlite.Conn) (int, error) {
	stmt := conn.Prep("SELECT SchemaVersion FROM Meta;")
	if hasRow, err := stmt.Step(); err != nil {
		return 0, err
	} else if !hasRow {
		return 0, nil
	}
	v := stmt.GetInt64("SchemaVersion")
	stmt.Reset()
	return int(v), nil
}

func writeVersion(conn *sqlite.Conn, version int, fresh bool) error {
	var stmt *sqlite.Stmt
	if fresh {
		stmt = conn.Prep("INSERT INTO Meta (SchemaVersion) VALUES ($version);")
	} else {
		stmt = conn.Prep("UPDATE Meta SET SchemaVersion = $version;")
	}
	stmt.SetInt64("$version", int64(version))
	_, err := stmt.Step()
	return err
}
