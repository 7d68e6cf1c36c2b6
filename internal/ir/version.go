package ir

// Version constants for the schema and indexer.
const (
	// SchemaVersion is the index table schema version (PRAGMA user_version on
	// SQLite).
	//   0 - empty database
	//   1 - index tables, realm_versions, jobs, job_reservations
	SchemaVersion = 1

	// IndexerVersion is reported by the CLI's --version flag.
	IndexerVersion = "0.1.0"
)
