// Package storage provides the project store collaborator: tracked
// projects, per-project template metadata, and the opaque project
// export/import transform, all backed by SQLite.
package storage

import (
	"database/sql"
	"encoding/json"
)

// emptyState is the export document of a freshly created project.
var emptyState = json.RawMessage(`{}`)

// nullString maps an optional string to sql.NullString.
func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// fromNullString maps sql.NullString back to an optional string.
func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
