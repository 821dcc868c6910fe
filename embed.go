package scribed

import _ "embed"

// SchemaSQL is the full database schema, applied on a fresh database
// by database.InitSchema.
//
//go:embed schema.sql
var SchemaSQL []byte
