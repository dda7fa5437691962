package storage

import _ "embed"

// Schema creates the probing tables. Statements are idempotent.
//
//go:embed schema.sql
var Schema string
