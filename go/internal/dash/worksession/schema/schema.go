// Package schema carries the durable store DDL. Applying it is left to deployment tooling.
package schema

import _ "embed"

//go:embed postgres.sql
var Postgres string
