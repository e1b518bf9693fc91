package router

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"magictunnel/internal/domain"
)

const (
	dbOp           = "router.database"
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

// databasePool keeps one *sql.DB per driver and connection string.
type databasePool struct {
	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func newDatabasePool() *databasePool {
	return &databasePool{dbs: make(map[string]*sql.DB)}
}

func (p *databasePool) call(ctx context.Context, tool domain.Tool, args arguments) (domain.ToolResult, error) {
	cfg, err := tool.Routing.Database()
	if err != nil {
		return domain.ToolResult{}, configError(dbOp, "%v", err)
	}
	driverName, dsn, err := resolveDriver(cfg.Driver, cfg.Connection)
	if err != nil {
		return domain.ToolResult{}, err
	}
	query, params, err := compileQuery(cfg.QueryTemplate, driverName, args.values)
	if err != nil {
		return domain.ToolResult{}, err
	}
	db, err := p.db(driverName, dsn)
	if err != nil {
		return domain.ToolResult{}, err
	}

	rows, err := db.QueryContext(ctx, query, params...)
	if err != nil {
		return domain.ToolResult{}, classifyDBError(ctx, err)
	}
	defer rows.Close()
	records, err := scanRows(rows)
	if err != nil {
		return domain.ToolResult{}, classifyDBError(ctx, err)
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return domain.ToolResult{}, domain.E(domain.CodeInternal, dbOp, "encode rows", err)
	}
	return domain.ToolResult{
		Success:  true,
		Data:     raw,
		Metadata: map[string]string{"row_count": strconv.Itoa(len(records))},
	}, nil
}

func (p *databasePool) db(driverName, dsn string) (*sql.DB, error) {
	key := driverName + "\x00" + dsn
	p.mu.Lock()
	defer p.mu.Unlock()
	if db, ok := p.dbs[key]; ok {
		return db, nil
	}
	sqlDriver := "pgx"
	if driverName == driverSQLite {
		sqlDriver = "sqlite"
	}
	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, unavailable(dbOp, "open "+driverName, err)
	}
	if driverName == driverSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(16)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}
	p.dbs[key] = db
	return db, nil
}

func (p *databasePool) close() error {
	p.mu.Lock()
	dbs := p.dbs
	p.dbs = make(map[string]*sql.DB)
	p.mu.Unlock()
	var errs []error
	for _, db := range dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// resolveDriver picks the driver from config or the connection string.
func resolveDriver(configured, connection string) (string, string, error) {
	switch strings.ToLower(strings.TrimSpace(configured)) {
	case "postgres", "postgresql", "pgx":
		return driverPostgres, connection, nil
	case "sqlite", "sqlite3":
		return driverSQLite, strings.TrimPrefix(connection, "sqlite://"), nil
	case "":
	default:
		return "", "", configError(dbOp, "unsupported database driver %q", configured)
	}
	lower := strings.ToLower(connection)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return driverPostgres, connection, nil
	case strings.HasPrefix(lower, "sqlite://"):
		return driverSQLite, connection[len("sqlite://"):], nil
	case strings.HasPrefix(lower, "file:"), lower == ":memory:",
		strings.HasSuffix(lower, ".db"), strings.HasSuffix(lower, ".sqlite"), strings.HasSuffix(lower, ".sqlite3"):
		return driverSQLite, connection, nil
	default:
		return "", "", configError(dbOp, "cannot infer database driver from connection; set driver")
	}
}

// compileQuery turns {{name}} references into positional placeholders.
// References inside quoted literals are rejected; values are never spliced
// into the SQL text.
func compileQuery(template, driverName string, values map[string]any) (string, []any, error) {
	var out strings.Builder
	var params []any
	positions := map[string]int{}
	var quote byte
	for i := 0; i < len(template); i++ {
		c := template[i]
		if quote != 0 {
			if strings.HasPrefix(template[i:], "{{") {
				return "", nil, invalidInput(dbOp, "parameter reference inside a quoted literal", nil)
			}
			out.WriteByte(c)
			if c == quote {
				if i+1 < len(template) && template[i+1] == quote {
					out.WriteByte(template[i+1])
					i++
					continue
				}
				quote = 0
			}
			continue
		}
		if c == '\'' || c == '"' {
			quote = c
			out.WriteByte(c)
			continue
		}
		if !strings.HasPrefix(template[i:], "{{") {
			out.WriteByte(c)
			continue
		}
		loc := placeholderPattern.FindStringSubmatchIndex(template[i:])
		if loc == nil || loc[0] != 0 {
			return "", nil, invalidInput(dbOp, "malformed parameter reference", nil)
		}
		name := template[i+loc[2] : i+loc[3]]
		value, ok := values[name]
		if !ok {
			return "", nil, invalidInput(dbOp, fmt.Sprintf("missing parameter %q", name), nil)
		}
		switch driverName {
		case driverPostgres:
			pos, seen := positions[name]
			if !seen {
				params = append(params, sqlValue(value))
				pos = len(params)
				positions[name] = pos
			}
			out.WriteString("$" + strconv.Itoa(pos))
		default:
			params = append(params, sqlValue(value))
			out.WriteByte('?')
		}
		i += loc[1] - 1
	}
	if quote != 0 {
		return "", nil, invalidInput(dbOp, "unterminated quoted literal", nil)
	}
	return out.String(), params, nil
}

// sqlValue passes scalars through and encodes composites as JSON text.
func sqlValue(value any) any {
	switch v := value.(type) {
	case nil, string, bool, float64, int64:
		return v
	case json.Number:
		return v.String()
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(raw)
	}
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	records := []map[string]any{}
	for rows.Next() {
		cells := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		record := make(map[string]any, len(columns))
		for i, column := range columns {
			if b, ok := cells[i].([]byte); ok {
				record[column] = string(b)
				continue
			}
			record[column] = cells[i]
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func classifyDBError(ctx context.Context, err error) error {
	if ctxErr := contextFailure(ctx, dbOp, err); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, driver.ErrBadConn) {
		return unavailable(dbOp, "connection lost", err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"), strings.HasPrefix(pgErr.Code, "57P"):
			return unavailable(dbOp, pgErr.Message, err)
		case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "23"), strings.HasPrefix(pgErr.Code, "42"):
			return invalidInput(dbOp, pgErr.Message, err)
		}
		return domain.Retryable(domain.CodeProtocol, dbOp, pgErr.Message, err, false).WithMeta("sqlstate", pgErr.Code)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return unavailable(dbOp, "connect", err)
	}
	message := err.Error()
	if strings.Contains(message, "database is locked") || strings.Contains(message, "SQLITE_BUSY") {
		return unavailable(dbOp, message, err)
	}
	return domain.Retryable(domain.CodeProtocol, dbOp, message, err, false)
}
