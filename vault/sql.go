package vault

const createSQL = `
-- SQL schema for one email archive.
--
-- Every child table cascades off Msgs so that purging a message
-- removes all trace of it in one statement. The MsgSearch index is
-- kept synchronized by triggers; no explicit reindex step exists.

PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS Meta (
	SchemaVersion INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS Msgs (
	MsgID       INTEGER PRIMARY KEY,
	BlobKey     TEXT NOT NULL,    -- namespace of all stored artifacts, "email:<uuid>"
	IDate       INTEGER NOT NULL, -- import time, seconds since epoch
	HdrDate     INTEGER,          -- Date: header, seconds since epoch, NULL if unparseable
	ReturnPath  TEXT,
	FromAddrs   TEXT,             -- denormalized joined display strings
	ToAddrs     TEXT,
	CcAddrs     TEXT,
	BccAddrs    TEXT,
	ReplyToAddrs TEXT,
	Subject     TEXT,
	SearchText  TEXT,             -- concatenated plain-text body used for search
	AttachmentCount INTEGER NOT NULL DEFAULT 0,
	EncodedSize INTEGER NOT NULL,
	ContentHash TEXT NOT NULL,    -- sha256 of the entire original byte stream
	Deleted     BOOLEAN NOT NULL DEFAULT FALSE, -- protocol-level soft delete
	Flags       TEXT,             -- JSON list, stored verbatim
	Labels      TEXT,             -- JSON list, stored verbatim
	Source      TEXT,             -- JSON producer descriptor, stored verbatim
	ParseError  TEXT,

	UNIQUE (ContentHash)
);

CREATE INDEX IF NOT EXISTS MsgsHdrDate ON Msgs (HdrDate);
CREATE INDEX IF NOT EXISTS MsgsIDate ON Msgs (IDate);

-- One row per original header line, in original order.
CREATE TABLE IF NOT EXISTS MsgHdrs (
	HdrID  INTEGER PRIMARY KEY,
	MsgID  INTEGER NOT NULL,
	Key    TEXT NOT NULL,
	Value  TEXT NOT NULL,

	FOREIGN KEY(MsgID) REFERENCES Msgs(MsgID) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS MsgHdrsMsgID ON MsgHdrs (MsgID);
CREATE INDEX IF NOT EXISTS MsgHdrsKey ON MsgHdrs (Key);

-- Contacts are deduplicated people, keyed by normalized address.
CREATE TABLE IF NOT EXISTS Contacts (
	ContactID   INTEGER PRIMARY KEY,
	NormAddr    TEXT NOT NULL,
	DisplayName TEXT,
	FirstName   TEXT,
	MiddleName  TEXT,
	LastName    TEXT,

	UNIQUE (NormAddr)
);

-- One row per address occurrence in an address-bearing header.
CREATE TABLE IF NOT EXISTS Addresses (
	AddressID  INTEGER PRIMARY KEY,
	MsgID      INTEGER NOT NULL,
	ContactID  INTEGER,
	Role       INTEGER NOT NULL, -- vault.AddressRole
	Name       TEXT,
	Address    TEXT NOT NULL,
	FirstName  TEXT,
	MiddleName TEXT,
	LastName   TEXT,

	FOREIGN KEY(MsgID) REFERENCES Msgs(MsgID) ON DELETE CASCADE,
	FOREIGN KEY(ContactID) REFERENCES Contacts(ContactID)
);

CREATE INDEX IF NOT EXISTS AddressesMsgID ON Addresses (MsgID);
CREATE INDEX IF NOT EXISTS AddressesAddress ON Addresses (Address);
CREATE INDEX IF NOT EXISTS AddressesContactID ON Addresses (ContactID);

CREATE TABLE IF NOT EXISTS Attachments (
	AttachmentID INTEGER PRIMARY KEY,
	MsgID        INTEGER NOT NULL,
	ContentType  TEXT,
	Disposition  TEXT,
	ContentID    TEXT,
	Filename     TEXT NOT NULL, -- display name, collision-avoided within the message
	OrigFilename TEXT,
	Size         INTEGER NOT NULL,
	ContentHash  TEXT NOT NULL,
	BlobKey      TEXT NOT NULL,
	ThumbKey     TEXT,

	FOREIGN KEY(MsgID) REFERENCES Msgs(MsgID) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS AttachmentsMsgID ON Attachments (MsgID);
CREATE INDEX IF NOT EXISTS AttachmentsContentHash ON Attachments (ContentHash);
CREATE INDEX IF NOT EXISTS AttachmentsFilename ON Attachments (Filename);

-- Conversation-linkage facts extracted from threading headers.
CREATE TABLE IF NOT EXISTS GraphEdges (
	EdgeID     INTEGER PRIMARY KEY,
	MsgID      INTEGER NOT NULL,
	EdgeType   TEXT NOT NULL, -- message-id, references, in-reply-to, thread-index, thread-id
	ExternalID TEXT NOT NULL,

	FOREIGN KEY(MsgID) REFERENCES Msgs(MsgID) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS GraphEdgesMsgID ON GraphEdges (MsgID);
CREATE INDEX IF NOT EXISTS GraphEdgesExternalID ON GraphEdges (ExternalID);

CREATE TABLE IF NOT EXISTS MsgTags (
	MsgID   INTEGER NOT NULL,
	Tag     TEXT NOT NULL,    -- folded form
	Display TEXT NOT NULL,    -- form shown to users

	PRIMARY KEY (MsgID, Tag),
	FOREIGN KEY(MsgID) REFERENCES Msgs(MsgID) ON DELETE CASCADE
);

-- Archive-wide tag catalogue. A tag stays listed only while at
-- least one message carries it.
CREATE TABLE IF NOT EXISTS ProjectTags (
	Tag     TEXT PRIMARY KEY,
	Display TEXT NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS MsgSearch USING fts5(
	Subject,
	SearchText,
	content='Msgs',
	content_rowid='MsgID'
);

CREATE TRIGGER IF NOT EXISTS MsgsSearchInsert
AFTER INSERT ON Msgs
BEGIN
	INSERT INTO MsgSearch (rowid, Subject, SearchText)
	VALUES (new.MsgID, new.Subject, new.SearchText);
END;

CREATE TRIGGER IF NOT EXISTS MsgsSearchDelete
AFTER DELETE ON Msgs
BEGIN
	INSERT INTO MsgSearch (MsgSearch, rowid, Subject, SearchText)
	VALUES ('delete', old.MsgID, old.Subject, old.SearchText);
END;

CREATE TRIGGER IF NOT EXISTS MsgsSearchUpdate
AFTER UPDATE OF Subject, SearchText ON Msgs
BEGIN
	INSERT INTO MsgSearch (MsgSearch, rowid, Subject, SearchText)
	VALUES ('delete', old.MsgID, old.Subject, old.SearchText);
	INSERT INTO MsgSearch (rowid, Subject, SearchText)
	VALUES (new.MsgID, new.Subject, new.SearchText);
END;
`
