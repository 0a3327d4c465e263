// Package dml implements the batched INSERT/UPDATE/DELETE executors: a
// statement generator that turns rows into SQL batches, and a batch pump
// that runs each batch on a connection and folds DONE_COUNT/ERROR tokens
// into a running total.
package dml

import (
	"context"
	"fmt"
	"strings"

	"github.com/tdscatalog/mssqlclient/pkg/conn"
	"github.com/tdscatalog/mssqlclient/pkg/errors"
	"github.com/tdscatalog/mssqlclient/pkg/tds"
)

// Row is one logical row of bound values, indexed the same way across a
// whole DML operation (insert columns, or updated-cols+pk-cols, or just
// pk-cols for delete).
type Row []interface{}

// BatchResult accumulates the outcome of running every batch of an
// operation.
type BatchResult struct {
	AffectedRows int64
	Warnings     []tds.InfoToken
}

// BatchError reports a server ERROR token raised mid-operation.
type BatchError struct {
	BatchIndex int
	Number     int32
	State      uint8
	Severity   uint8
	Message    string
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("MSSQL DML batch %d error (%d,%d): %s", e.BatchIndex, e.Number, e.State, e.Message)
}

// Target names the schema-qualified table a DML operation runs against.
type Target struct {
	Schema string
	Table  string
}

// Qualified renders the bracket-escaped "[schema].[table]" form used in
// generated SQL.
func (t Target) Qualified() string {
	return fmt.Sprintf("[%s].[%s]", bracketEscape(t.Schema), bracketEscape(t.Table))
}

func bracketEscape(s string) string { return strings.ReplaceAll(s, "]", "]]") }

// EffectiveBatchSize returns min(configuredBatchSize, maxParameters/paramsPerRow),
// the cap every generator flushes against.
func EffectiveBatchSize(configuredBatchSize, maxParameters, paramsPerRow int) int {
	if paramsPerRow <= 0 {
		return configuredBatchSize
	}
	byParams := maxParameters / paramsPerRow
	if byParams <= 0 {
		byParams = 1
	}
	if byParams < configuredBatchSize {
		return byParams
	}
	return configuredBatchSize
}

// opKind distinguishes the statement shape a deferred batch must flush
// with, since Insert/Update/Delete can all be deferred on the same
// Executor in any order.
type opKind int

const (
	opInsert opKind = iota
	opUpdate
	opDelete
)

// deferredBatch is one call to Insert/Update/Delete made while the
// Executor is deferred: its own column lists and batch size, not the
// Executor's last-seen insertCols, so Finalize can rebuild the right SQL
// regardless of which operations preceded it.
type deferredBatch struct {
	kind                opKind
	cols                []string // insert cols, or updated cols for update
	outputCols          []string // insert OUTPUT columns
	pkCols              []string // update/delete WHERE columns
	rows                []Row
	configuredBatchSize int
}

// Executor runs INSERT/UPDATE/DELETE batches against a connection,
// optionally deferring execution when the connection is pinned to a scan
// that hasn't finished yet.
type Executor struct {
	c      *conn.Conn
	target Target

	maxParameters     int
	insertBatchSize   int
	insertMaxSQLBytes int

	deferred        bool
	deferredBatches []deferredBatch

	result BatchResult
}

// New creates an Executor bound to one connection and target table.
func New(c *conn.Conn, target Target, maxParameters, insertBatchSize, insertMaxSQLBytes int) *Executor {
	return &Executor{
		c:                 c,
		target:            target,
		maxParameters:     maxParameters,
		insertBatchSize:   insertBatchSize,
		insertMaxSQLBytes: insertMaxSQLBytes,
	}
}

// Defer switches the executor into deferred mode: rows accumulate in
// memory instead of flushing immediately, because the connection is
// currently busy serving the scan that feeds this DML. Finalize flushes
// everything once the scan completes.
func (e *Executor) Defer() { e.deferred = true }

// Insert appends rows for an INSERT INTO target (cols) VALUES (...) batch,
// flushing whenever the effective batch size or the SQL byte-size limit
// would be exceeded. outputCols, if non-empty, requests OUTPUT INSERTED.(cols).
func (e *Executor) Insert(ctx context.Context, cols []string, outputCols []string, rows []Row) (BatchResult, error) {
	batchSize := EffectiveBatchSize(e.insertBatchSize, e.maxParameters, len(cols))

	if e.deferred {
		e.deferredBatches = append(e.deferredBatches, deferredBatch{
			kind:                opInsert,
			cols:                cols,
			outputCols:          outputCols,
			rows:                rows,
			configuredBatchSize: e.insertBatchSize,
		})
		return e.result, nil
	}

	for start := 0; start < len(rows); {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]
		// Respect the secondary SQL-byte-size limit by shrinking the batch
		// if the generated text would exceed it.
		for len(batch) > 1 && len(e.buildInsertSQL(cols, outputCols, batch)) > e.insertMaxSQLBytes {
			batch = batch[:len(batch)/2]
		}
		sql := e.buildInsertSQL(cols, outputCols, batch)
		if err := e.runBatch(ctx, sql, start/batchSize); err != nil {
			return e.result, err
		}
		start += len(batch)
	}
	return e.result, nil
}

func (e *Executor) buildInsertSQL(cols, outputCols []string, rows []Row) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) ", e.target.Qualified(), bracketList(cols))
	if len(outputCols) > 0 {
		fmt.Fprintf(&b, "OUTPUT %s ", outputList(outputCols))
	}
	b.WriteString("VALUES ")
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j, v := range row {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(literalSQL(v))
		}
		b.WriteByte(')')
	}
	b.WriteByte(';')
	return b.String()
}

// Update builds and runs WHERE-by-PK UPDATE batches: updatedCols in order,
// then the PK columns used to locate each row.
func (e *Executor) Update(ctx context.Context, updatedCols, pkCols []string, rows []Row, configuredBatchSize int) (BatchResult, error) {
	paramsPerRow := len(updatedCols) + len(pkCols)
	batchSize := EffectiveBatchSize(configuredBatchSize, e.maxParameters, paramsPerRow)

	if e.deferred {
		e.deferredBatches = append(e.deferredBatches, deferredBatch{
			kind:                opUpdate,
			cols:                updatedCols,
			pkCols:              pkCols,
			rows:                rows,
			configuredBatchSize: configuredBatchSize,
		})
		return e.result, nil
	}

	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		sql := e.buildUpdateSQL(updatedCols, pkCols, rows[start:end])
		if err := e.runBatch(ctx, sql, start/batchSize); err != nil {
			return e.result, err
		}
	}
	return e.result, nil
}

func (e *Executor) buildUpdateSQL(updatedCols, pkCols []string, rows []Row) string {
	var b strings.Builder
	for _, row := range rows {
		set := row[:len(updatedCols)]
		pk := row[len(updatedCols):]
		fmt.Fprintf(&b, "UPDATE %s SET %s WHERE %s;\n",
			e.target.Qualified(), setList(updatedCols, set), whereList(pkCols, pk))
	}
	return b.String()
}

// Delete builds and runs WHERE-by-PK DELETE batches.
func (e *Executor) Delete(ctx context.Context, pkCols []string, rows []Row, configuredBatchSize int) (BatchResult, error) {
	batchSize := EffectiveBatchSize(configuredBatchSize, e.maxParameters, len(pkCols))

	if e.deferred {
		e.deferredBatches = append(e.deferredBatches, deferredBatch{
			kind:                opDelete,
			pkCols:              pkCols,
			rows:                rows,
			configuredBatchSize: configuredBatchSize,
		})
		return e.result, nil
	}

	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		sql := e.buildDeleteSQL(pkCols, rows[start:end])
		if err := e.runBatch(ctx, sql, start/batchSize); err != nil {
			return e.result, err
		}
	}
	return e.result, nil
}

func (e *Executor) buildDeleteSQL(pkCols []string, rows []Row) string {
	var b strings.Builder
	for _, row := range rows {
		fmt.Fprintf(&b, "DELETE FROM %s WHERE %s;\n", e.target.Qualified(), whereList(pkCols, row))
	}
	return b.String()
}

// Finalize flushes every batch accumulated while deferred, in the order
// they arrived, dispatching each to the SQL builder that matches the
// operation that produced it, and returns the aggregate result.
func (e *Executor) Finalize(ctx context.Context) (BatchResult, error) {
	if !e.deferred || len(e.deferredBatches) == 0 {
		return e.result, nil
	}
	batches := e.deferredBatches
	e.deferred = false
	e.deferredBatches = nil

	batchIndex := 0
	for _, db := range batches {
		var paramsPerRow int
		switch db.kind {
		case opInsert:
			paramsPerRow = len(db.cols)
		case opUpdate:
			paramsPerRow = len(db.cols) + len(db.pkCols)
		case opDelete:
			paramsPerRow = len(db.pkCols)
		}
		batchSize := EffectiveBatchSize(db.configuredBatchSize, e.maxParameters, paramsPerRow)

		for start := 0; start < len(db.rows); start += batchSize {
			end := start + batchSize
			if end > len(db.rows) {
				end = len(db.rows)
			}
			var sql string
			switch db.kind {
			case opInsert:
				sql = e.buildInsertSQL(db.cols, db.outputCols, db.rows[start:end])
			case opUpdate:
				sql = e.buildUpdateSQL(db.cols, db.pkCols, db.rows[start:end])
			case opDelete:
				sql = e.buildDeleteSQL(db.pkCols, db.rows[start:end])
			}
			if err := e.runBatch(ctx, sql, batchIndex); err != nil {
				return e.result, err
			}
			batchIndex++
		}
	}
	return e.result, nil
}

func (e *Executor) runBatch(ctx context.Context, sql string, batchIndex int) error {
	var batchErr *BatchError
	err := e.c.ExecuteBatch(ctx, sql, func(tok tds.Token) error {
		switch tok.Kind {
		case tds.KindDone:
			if tok.Done.HasCount() {
				e.result.AffectedRows += int64(tok.Done.RowCount)
			}
		case tds.KindError:
			batchErr = &BatchError{
				BatchIndex: batchIndex,
				Number:     tok.Error.Number,
				State:      tok.Error.State,
				Severity:   tok.Error.Class,
				Message:    tok.Error.Message,
			}
		case tds.KindInfo:
			e.result.Warnings = append(e.result.Warnings, tok.Info)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeQueryFailed, "mssql: running DML batch").
			WithField("batch_index", batchIndex).Err()
	}
	if batchErr != nil {
		return batchErr
	}
	return nil
}

func bracketList(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = "[" + bracketEscape(c) + "]"
	}
	return strings.Join(parts, ", ")
}

func outputList(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = "INSERTED.[" + bracketEscape(c) + "]"
	}
	return strings.Join(parts, ", ")
}

func setList(cols []string, vals []interface{}) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("[%s] = %s", bracketEscape(c), literalSQL(vals[i]))
	}
	return strings.Join(parts, ", ")
}

func whereList(cols []string, vals []interface{}) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("[%s] = %s", bracketEscape(c), literalSQL(vals[i]))
	}
	return strings.Join(parts, " AND ")
}

// literalSQL renders a bound value as a T-SQL literal. Strings are always
// N'...' with embedded quotes doubled; nil is NULL.
func literalSQL(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "N'" + strings.ReplaceAll(val, "'", "''") + "'"
	case []byte:
		return "0x" + fmt.Sprintf("%x", val)
	case bool:
		if val {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprintf("%v", val)
	}
}
