package sqlassets

import _ "embed"

//go:embed schema/roster/mappings.sql
var MappingsSQL string

//go:embed schema/roster/sync.sql
var SyncSQL string

// All returns the DDL statements in application order.
func All() []string {
	return []string{MappingsSQL, SyncSQL}
}
