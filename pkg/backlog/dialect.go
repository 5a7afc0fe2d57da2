package backlog

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported SQL dialects. The name doubles as the database/sql driver name.
const (
	DialectSQLite   = "sqlite"   // modernc.org/sqlite, pure Go
	DialectSQLite3  = "sqlite3"  // mattn/go-sqlite3, cgo
	DialectPostgres = "postgres" // lib/pq
)

// dialect captures the per-database differences of the SQL backlog
type dialect struct {
	name   string
	schema string
	dsn    func(string) string

	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool

	// readOpts isolates the two recap queries in one snapshot
	readOpts *sql.TxOptions
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS errors (
	sequence    INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id   TEXT NOT NULL,
	error_type  TEXT NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	detail      TEXT NOT NULL DEFAULT '',
	error_id    TEXT NOT NULL,
	info_url    TEXT NOT NULL DEFAULT '',
	origin      TEXT NOT NULL DEFAULT '',
	received_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_errors_source ON errors(source_id, error_type);

CREATE TABLE IF NOT EXISTS error_counters (
	application TEXT NOT NULL,
	error_type  TEXT NOT NULL,
	measure     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (application, error_type)
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS errors (
	sequence    BIGSERIAL PRIMARY KEY,
	source_id   TEXT NOT NULL,
	error_type  TEXT NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	detail      TEXT NOT NULL DEFAULT '',
	error_id    TEXT NOT NULL,
	info_url    TEXT NOT NULL DEFAULT '',
	origin      TEXT NOT NULL DEFAULT '',
	received_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_errors_source ON errors(source_id, error_type);

CREATE TABLE IF NOT EXISTS error_counters (
	application TEXT NOT NULL,
	error_type  TEXT NOT NULL,
	measure     BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (application, error_type)
);
`

func dialectFor(name string) (dialect, error) {
	switch name {
	case DialectSQLite:
		return dialect{
			name:   name,
			schema: sqliteSchema,
			dsn: func(path string) string {
				return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
			},
		}, nil
	case DialectSQLite3:
		return dialect{
			name:   name,
			schema: sqliteSchema,
			dsn: func(path string) string {
				return "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL"
			},
		}, nil
	case DialectPostgres:
		return dialect{
			name:     name,
			schema:   postgresSchema,
			numbered: true,
			readOpts: &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true},
			dsn:      func(dsn string) string { return dsn },
		}, nil
	default:
		return dialect{}, fmt.Errorf("unsupported dialect %q", name)
	}
}

// rebind rewrites ? placeholders for dialects with numbered parameters
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// placeholders returns "?, ?, ..." for n parameters
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
