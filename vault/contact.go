package vault

import (
	"crawshaw.io/sqlite"
	"vaulted.ink/email"
)

// resolveContact finds or creates the Contact record for an address
// occurrence, keyed by the normalized address.
//
// Name fields are overwritten only when the incoming occurrence
// supplies a non-empty display name: first-writer-wins for empty
// names, last-writer-wins for non-empty ones.
func resolveContact(conn *sqlite.Conn, addr *email.Address) (ContactID, error) {
	norm := normalizeAddr(addr.Addr)

	stmt := conn.Prep("SELECT ContactID FROM Contacts WHERE NormAddr = $normAddr;")
	stmt.SetText("$normAddr", norm)
	if hasRow, err := stmt.Step(); err != nil {
		return 0, err
	} else if hasRow {
		id := ContactID(stmt.GetInt64("ContactID"))
		stmt.Reset()
		if addr.Name != "" {
			first, middle, last := parseName(addr.Name)
			stmt = conn.Prep(`UPDATE Contacts SET
				DisplayName = $displayName,
				FirstName = $firstName, MiddleName = $middleName, LastName = $lastName
				WHERE ContactID = $contactID;`)
			stmt.SetText("$displayName", addr.Name)
			stmt.SetText("$firstName", first)
			stmt.SetText("$middleName", middle)
			stmt.SetText("$lastName", last)
			stmt.SetInt64("$contactID", int64(id))
			if _, err := stmt.Step(); err != nil {
				return 0, err
			}
		}
		return id, nil
	}

	first, middle, last := parseName(addr.Name)
	stmt = conn.Prep(`INSERT INTO Contacts (NormAddr, DisplayName, FirstName, MiddleName, LastName)
		VALUES ($normAddr, $displayName, $firstName, $middleName, $lastName);`)
	stmt.SetText("$normAddr", norm)
	stmt.SetText("$displayName", addr.Name)
	stmt.SetText("$firstName", first)
	stmt.SetText("$middleName", middle)
	stmt.SetText("$lastName", last)
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	return ContactID(conn.LastInsertRowID()), nil
}
