package core

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	_ "github.com/sijms/go-ora/v2"
	_ "github.com/snowflakedb/gosnowflake"
	_ "modernc.org/sqlite"

	"go.uber.org/zap"
)

// EngineSettings configures the embedded analytical engine (§3 duckdb,
// §4.B Engine Adapter).
type EngineSettings struct {
	DBPath       string
	AccessMode   string
	Threads      int
	MaxMemory    string
	DefaultOrder string

	DucklakeEnabled      bool
	DucklakeAlias        string
	DucklakeMetadataPath string
	DucklakeDataPath     string

	MaxConcurrentReads int
}

// ConnStatus reports a registered connection's health. A failed connection
// is marked unavailable rather than aborting startup (§4.B: per-connection
// init failure is non-fatal). Connections are registered once, so a
// failed connection stays unusable for the life of the Engine.
type ConnStatus struct {
	Driver    string
	Available bool
	LastError error
}

// Engine is the Engine Adapter: one embedded DuckDB instance used for local
// queries, caching and the ducklake catalog, plus one native *sql.DB pool
// per declared Connection, opened through the driver matching its
// properties (§4.B).
type Engine struct {
	log *zap.SugaredLogger

	duck *sql.DB

	mu         sync.RWMutex
	conns      map[string]*sql.DB
	connStatus map[string]*ConnStatus

	ddlMu   sync.Mutex
	readSem chan struct{}
}

// NewEngine constructs an Engine; call Init before use.
func NewEngine(log *zap.SugaredLogger) *Engine {
	return &Engine{
		log:        log,
		conns:      map[string]*sql.DB{},
		connStatus: map[string]*ConnStatus{},
	}
}

// Init opens the embedded DuckDB instance and, if configured, attaches the
// ducklake catalog (§3 Project.ducklake).
func (e *Engine) Init(s EngineSettings) error {
	dsn := s.DBPath
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return WrapDatabase(err)
	}
	if s.Threads > 0 {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA threads=%d", s.Threads)); err != nil {
			return WrapDatabase(err)
		}
	}
	if s.MaxMemory != "" {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA memory_limit='%s'", s.MaxMemory)); err != nil {
			return WrapDatabase(err)
		}
	}
	if s.DefaultOrder != "" {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA default_order='%s'", s.DefaultOrder)); err != nil {
			return WrapDatabase(err)
		}
	}
	e.duck = db

	if s.DucklakeEnabled {
		alias := s.DucklakeAlias
		if alias == "" {
			alias = "ducklake_catalog"
		}
		attach := fmt.Sprintf("ATTACH 'ducklake:%s' AS %s (DATA_PATH '%s')", s.DucklakeMetadataPath, alias, s.DucklakeDataPath)
		if _, err := db.Exec(attach); err != nil {
			return Wrap(CategoryConfiguration, "attaching ducklake catalog", err)
		}
	}

	reads := s.MaxConcurrentReads
	if reads <= 0 {
		reads = 16
	}
	e.readSem = make(chan struct{}, reads)

	return nil
}

// driverName maps a connection's declared "driver" property (or a dsn
// scheme prefix) to a database/sql driver name.
func driverName(cc *ConnectionConfig) (string, string, error) {
	if d := cc.Properties["driver"]; d != "" {
		dsn := cc.Properties["dsn"]
		switch strings.ToLower(d) {
		case "postgres", "postgresql":
			return "pgx", dsn, nil
		case "mysql", "mariadb":
			return "mysql", strings.TrimPrefix(dsn, "mysql://"), nil
		case "mssql", "sqlserver":
			return "sqlserver", dsn, nil
		case "oracle":
			return "oracle", dsn, nil
		case "snowflake":
			return "snowflake", dsn, nil
		case "sqlite":
			return "sqlite", dsn, nil
		default:
			return "", "", fmt.Errorf("unsupported connection driver %q", d)
		}
	}
	dsn := cc.Properties["dsn"]
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "pgx", dsn, nil
	case strings.HasPrefix(dsn, "mysql://"):
		return "mysql", strings.TrimPrefix(dsn, "mysql://"), nil
	case strings.HasPrefix(dsn, "sqlserver://"):
		return "sqlserver", dsn, nil
	case strings.HasPrefix(dsn, "oracle://"):
		return "oracle", dsn, nil
	case strings.HasPrefix(dsn, "snowflake://"):
		return "snowflake", dsn, nil
	case strings.HasSuffix(dsn, ".db"), strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite", strings.TrimPrefix(dsn, "sqlite://"), nil
	default:
		return "", "", fmt.Errorf("cannot detect driver for connection %q: set properties.driver explicitly", cc.Name)
	}
}

// RegisterConnection opens and initializes a native connection pool for cc.
// Failure is logged and recorded on the connection's status rather than
// returned, so one bad connection does not prevent the rest of the project
// from serving traffic (§4.B).
func (e *Engine) RegisterConnection(cc *ConnectionConfig) {
	drv, dsn, err := driverName(cc)
	status := &ConnStatus{Driver: drv}
	if err != nil {
		status.LastError = err
		e.setStatus(cc.Name, status)
		e.log.Warnw("connection unavailable", "connection", cc.Name, "error", err)
		return
	}

	db, err := sql.Open(drv, dsn)
	if err != nil {
		status.LastError = err
		e.setStatus(cc.Name, status)
		e.log.Warnw("connection open failed", "connection", cc.Name, "error", scrubCredentials(err.Error()))
		return
	}
	if err := db.Ping(); err != nil {
		status.LastError = err
		e.setStatus(cc.Name, status)
		e.log.Warnw("connection ping failed", "connection", cc.Name, "error", scrubCredentials(err.Error()))
		return
	}
	for _, stmt := range cc.Init {
		if _, err := db.Exec(stmt); err != nil {
			status.LastError = err
			e.setStatus(cc.Name, status)
			e.log.Warnw("connection init statement failed", "connection", cc.Name, "error", scrubCredentials(err.Error()))
			return
		}
	}

	status.Available = true
	e.mu.Lock()
	e.conns[cc.Name] = db
	e.mu.Unlock()
	e.setStatus(cc.Name, status)
}

func (e *Engine) setStatus(name string, s *ConnStatus) {
	e.mu.Lock()
	e.connStatus[name] = s
	e.mu.Unlock()
}

// Status returns the health of a registered connection.
func (e *Engine) Status(name string) (ConnStatus, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.connStatus[name]
	if !ok {
		return ConnStatus{}, false
	}
	return *s, true
}

func (e *Engine) dbFor(connection string) (*sql.DB, error) {
	if connection == "" {
		return e.duck, nil
	}
	e.mu.RLock()
	db, ok := e.conns[connection]
	status := e.connStatus[connection]
	e.mu.RUnlock()
	if !ok || status == nil || !status.Available {
		return nil, NewError(CategoryDatabase, fmt.Sprintf("connection %q is not available", connection))
	}
	return db, nil
}

// RowStream adapts *sql.Rows to the shape the request handler needs for
// response shaping (§4.G step 8): column names and rows as plain maps.
type RowStream struct {
	rows    *sql.Rows
	cols    []string
	limit   int
	scanned int

	peeked  bool
	hasMore bool
}

// Columns returns the result set's column names.
func (r *RowStream) Columns() []string { return r.cols }

// Next advances to the next row, honoring the configured limit by refusing
// to scan more than limit rows (0 means unlimited). The page never grows
// past limit rows; HasMore peeks one row further without exposing it here.
func (r *RowStream) Next() bool {
	if r.limit > 0 && r.scanned >= r.limit {
		return false
	}
	ok := r.rows.Next()
	if ok {
		r.scanned++
	}
	return ok
}

// HasMore reports whether the underlying cursor still has rows beyond the
// limit boundary, used to compute pagination's next-offset value. The peek
// is cached so repeated calls don't advance the cursor more than once.
func (r *RowStream) HasMore() bool {
	if r.limit <= 0 || r.scanned < r.limit {
		return false
	}
	if !r.peeked {
		r.hasMore = r.rows.Next()
		r.peeked = true
	}
	return r.hasMore
}

// Scan reads the current row into a column-name-keyed map.
func (r *RowStream) Scan() (map[string]interface{}, error) {
	vals := make([]interface{}, len(r.cols))
	ptrs := make([]interface{}, len(r.cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(r.cols))
	for i, c := range r.cols {
		out[c] = vals[i]
	}
	return out, nil
}

// Close releases the underlying cursor.
func (r *RowStream) Close() error { return r.rows.Close() }

// Err reports any error encountered during iteration.
func (r *RowStream) Err() error { return r.rows.Err() }

// Execute runs a read query against connection (empty string selects the
// embedded DuckDB engine) and returns a streaming cursor bounded by limit
// (0 = unbounded). Concurrent reads are bounded by readSem (§4.B).
func (e *Engine) Execute(ctx context.Context, connection, query string, binds []interface{}, limit int) (*RowStream, error) {
	db, err := e.dbFor(connection)
	if err != nil {
		return nil, AsCoreError(err)
	}

	select {
	case e.readSem <- struct{}{}:
	case <-ctx.Done():
		return nil, Wrap(CategoryOverloaded, "request canceled while waiting for a read slot", ctx.Err())
	}
	defer func() { <-e.readSem }()

	rows, err := db.QueryContext(ctx, query, binds...)
	if err != nil {
		return nil, WrapDatabase(err)
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, WrapDatabase(err)
	}
	return &RowStream{rows: rows, cols: cols, limit: limit}, nil
}

// ExecuteScalar runs query and scans the single resulting value.
func (e *Engine) ExecuteScalar(ctx context.Context, connection, query string, binds []interface{}) (interface{}, error) {
	db, err := e.dbFor(connection)
	if err != nil {
		return nil, AsCoreError(err)
	}
	var v interface{}
	if err := db.QueryRowContext(ctx, query, binds...).Scan(&v); err != nil {
		return nil, WrapDatabase(err)
	}
	return v, nil
}

// WriteResult is the outcome of a mutating statement (§4.G write path).
type WriteResult struct {
	RowsAffected int64
	LastInsertID int64
	HasInsertID  bool
}

// ExecuteWrite runs query (INSERT/UPDATE/DELETE) against connection, optionally
// inside a transaction when withTransaction is true (§3 Endpoint.operation).
func (e *Engine) ExecuteWrite(ctx context.Context, connection, query string, binds []interface{}, withTransaction bool) (WriteResult, error) {
	db, err := e.dbFor(connection)
	if err != nil {
		return WriteResult{}, AsCoreError(err)
	}

	exec := func(execer interface{ ExecContext(context.Context, string, ...interface{}) (sql.Result, error) }) (WriteResult, error) {
		res, err := execer.ExecContext(ctx, query, binds...)
		if err != nil {
			return WriteResult{}, WrapDatabase(err)
		}
		var wr WriteResult
		wr.RowsAffected, _ = res.RowsAffected()
		if id, err := res.LastInsertId(); err == nil {
			wr.LastInsertID = id
			wr.HasInsertID = true
		}
		return wr, nil
	}

	if !withTransaction {
		return exec(db)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return WriteResult{}, WrapDatabase(err)
	}
	wr, err := exec(tx)
	if err != nil {
		tx.Rollback()
		return WriteResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return WriteResult{}, WrapDatabase(err)
	}
	return wr, nil
}

// ColumnInfo describes one column discovered by schema introspection.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// DescribeTable introspects table's columns through connection (empty
// selects the embedded engine) by querying the driver's own column
// metadata for an empty result set, so it works uniformly across every
// dialect the Engine Adapter attaches (§6.2 schema introspection).
func (e *Engine) DescribeTable(ctx context.Context, connection, table string) ([]ColumnInfo, error) {
	db, err := e.dbFor(connection)
	if err != nil {
		return nil, AsCoreError(err)
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT 0", table))
	if err != nil {
		return nil, WrapDatabase(err)
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, WrapDatabase(err)
	}
	out := make([]ColumnInfo, len(types))
	for i, t := range types {
		out[i] = ColumnInfo{Name: t.Name(), Type: t.DatabaseTypeName()}
	}
	return out, nil
}

// ExecuteDDL runs a schema-mutating statement against the embedded engine,
// serialized against every other DDL statement (§4.B single-flight DDL
// lane), so concurrent cache refreshes never race each other's
// CREATE/DROP/ATTACH statements.
func (e *Engine) ExecuteDDL(ctx context.Context, query string, binds ...interface{}) error {
	e.ddlMu.Lock()
	defer e.ddlMu.Unlock()
	if _, err := e.duck.ExecContext(ctx, query, binds...); err != nil {
		return WrapDatabase(err)
	}
	return nil
}

// DuckDB exposes the embedded engine's *sql.DB for direct transactional
// access. No component in this module calls it: the cache manager goes
// through ExecuteDDL/ExecuteWrite/ExecuteScalar.
func (e *Engine) DuckDB() *sql.DB { return e.duck }

// Close releases the embedded engine and every registered connection.
func (e *Engine) Close() error {
	var firstErr error
	if e.duck != nil {
		if err := e.duck.Close(); err != nil {
			firstErr = err
		}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, db := range e.conns {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
