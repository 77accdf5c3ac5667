// Package db provides the embedded database schema.
package db

import _ "embed"

// Schema contains the DDL statements and row-level security policies for all
// application tables. Every statement is safe to run again.
//
//go:embed migrations/001_schema.sql
var Schema string
