// Package sqlassets embeds the SQL shipped with the platform binaries.
//
// The ledger DDL is embedded because the migration engine must be able to
// create its own bookkeeping tables before any migration file can run. The
// migration and seed files themselves live on disk (database/migrations,
// database/seeds) and are read by the catalog at runtime.
package sqlassets

import _ "embed"

//go:embed ledger/ledger.sql
var LedgerSQL string
