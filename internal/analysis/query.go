package analysis

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/antigravity-dev/agentlab/internal/rundir"
)

// allowedVerbs is the statement-leading verb allowlist for query_run:
// only read-only statement forms pass.
var allowedVerbs = map[string]bool{
	"SELECT": true, "WITH": true, "SHOW": true,
	"DESCRIBE": true, "PRAGMA": true, "EXPLAIN": true,
}

// deniedIdentifiers blocks any statement whose text contains a
// mutating keyword, even nested inside a CTE or subquery.
var deniedIdentifiers = map[string]bool{
	"insert": true, "update": true, "delete": true, "drop": true,
	"alter": true, "create": true, "attach": true, "detach": true,
	"copy": true, "vacuum": true, "install": true, "load": true,
}

var identifierRe = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

// QueryError reports a rejected or failed read-only query.
type QueryError struct {
	Reason string
}

func (e *QueryError) Error() string { return "analysis: " + e.Reason }

// ValidateReadOnlySQL enforces the read-only query guard: a single
// statement, a leading read-only verb, and no mutating identifier
// anywhere in the statement text.
func ValidateReadOnlySQL(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return &QueryError{Reason: "empty query"}
	}

	body := strings.TrimRight(trimmed, ";")
	if strings.Contains(body, ";") {
		return &QueryError{Reason: "only a single statement is allowed"}
	}

	fields := strings.Fields(body)
	if len(fields) == 0 {
		return &QueryError{Reason: "empty query"}
	}
	verb := strings.ToUpper(fields[0])
	if !allowedVerbs[verb] {
		return &QueryError{Reason: fmt.Sprintf("statement must start with one of SELECT/WITH/SHOW/DESCRIBE/PRAGMA/EXPLAIN, got %q", verb)}
	}

	for _, ident := range identifierRe.FindAllString(body, -1) {
		if deniedIdentifiers[strings.ToLower(ident)] {
			return &QueryError{Reason: fmt.Sprintf("identifier %q is not permitted in a read-only query", ident)}
		}
	}
	return nil
}

// ListViews returns the names of the views defined in dir's engine for
// the run's selected view_set, including the always-present per-table
// views and analysis_metadata.
func ListViews(dir rundir.Dir) ([]string, error) {
	db, err := OpenEngine(dir)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type IN ('view','table') ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("analysis: list views: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("analysis: scan view name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// QueryView runs `SELECT * FROM <view> LIMIT <limit>` against dir's
// engine. view must be a bare identifier, validated the same way a
// free-form query's identifiers are.
func QueryView(dir rundir.Dir, view string, limit int) ([]map[string]any, error) {
	if !identifierRe.MatchString(view) || identifierRe.FindString(view) != view {
		return nil, &QueryError{Reason: fmt.Sprintf("invalid view name %q", view)}
	}
	if limit <= 0 {
		limit = 1000
	}
	return QueryRun(dir, fmt.Sprintf("SELECT * FROM %s LIMIT %d", view, limit))
}

// QueryRun validates and executes a free-form read-only SQL statement
// against dir's engine, returning rows as column-name-keyed maps.
func QueryRun(dir rundir.Dir, query string) ([]map[string]any, error) {
	if err := ValidateReadOnlySQL(query); err != nil {
		return nil, err
	}
	db, err := OpenEngine(dir)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return runQuery(db, query)
}

func runQuery(db *sql.DB, query string) ([]map[string]any, error) {
	rows, err := db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("analysis: query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("analysis: columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("analysis: scan row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
