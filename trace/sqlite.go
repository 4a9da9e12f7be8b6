package trace

import (
	"database/sql"
	"fmt"
	"os"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"

	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// SQLiteWriter writes accesses to a SQLite database, one run per Init. Rows are
// batched and written in a transaction.
type SQLiteWriter struct {
	*sql.DB
	statement *sql.Stmt

	dbName    string
	runID     string
	pending   []Access
	batchSize int
}

// NewSQLiteWriter creates a writer for the database at path (".sqlite3" is
// appended). An empty path picks a name from the run ID. Pending rows are
// flushed when the program exits through atexit.
func NewSQLiteWriter(path string) *SQLiteWriter {
	w := &SQLiteWriter{
		dbName:    path,
		batchSize: 10000,
	}
	atexit.Register(func() { _ = w.Flush() })
	return w
}

// Init creates the database and its table. It refuses to reuse an existing
// file.
func (t *SQLiteWriter) Init() error {
	t.runID = xid.New().String()
	if t.dbName == "" {
		t.dbName = "clkseq_trace_" + t.runID
	}
	filename := t.dbName + ".sqlite3"
	_, err := os.Stat(filename)
	if err == nil {
		return fmt.Errorf("file %s already exists", filename)
	}
	t.DB, err = sql.Open("sqlite3", filename)
	if err != nil {
		return fmt.Errorf("couldn't open %s: %w", filename, err)
	}
	_, err = t.Exec(`
		create table access (
			run   varchar(20) not null,
			seq   integer     not null,
			op    varchar(1)  not null,
			addr  integer     not null,
			value integer     not null,
			alias varchar(3),
			reg   varchar(64),
			phase varchar(32)
		);
		create index access_run_seq on access (run, seq);
	`)
	if err != nil {
		return fmt.Errorf("couldn't create table: %w", err)
	}
	t.statement, err = t.Prepare(`insert into access
		(run, seq, op, addr, value, alias, reg, phase)
		values (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("couldn't prepare insert: %w", err)
	}
	return nil
}

// RunID identifies this writer's rows.
func (t *SQLiteWriter) RunID() string {
	return t.runID
}

// Filename is where the database lives, once Init has run.
func (t *SQLiteWriter) Filename() string {
	return t.dbName + ".sqlite3"
}

func (t *SQLiteWriter) Write(a Access) {
	t.pending = append(t.pending, a)
	if len(t.pending) >= t.batchSize {
		_ = t.Flush()
	}
}

// Flush writes all buffered accesses.
func (t *SQLiteWriter) Flush() error {
	if len(t.pending) == 0 || t.DB == nil {
		return nil
	}
	tx, err := t.Begin()
	if err != nil {
		return fmt.Errorf("couldn't begin transaction: %w", err)
	}
	st := tx.Stmt(t.statement)
	for _, a := range t.pending {
		_, err = st.Exec(t.runID, a.Seq, a.Op.String(), a.Addr, a.Value, a.Alias, a.Reg, a.Phase)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("couldn't insert access %d: %w", a.Seq, err)
		}
	}
	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("couldn't commit: %w", err)
	}
	t.pending = nil
	return nil
}

// Close flushes and closes the database.
func (t *SQLiteWriter) Close() error {
	err := t.Flush()
	if t.DB != nil {
		te := t.DB.Close()
		if err == nil {
			err = te
		}
	}
	return err
}
