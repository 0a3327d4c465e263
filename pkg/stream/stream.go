// Package stream implements the streaming result engine a scan rides: one
// connection, owned for the duration of the scan, producing chunks of rows
// until the batch completes, errors, or is cancelled.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tdscatalog/mssqlclient/pkg/conn"
	"github.com/tdscatalog/mssqlclient/pkg/errors"
	"github.com/tdscatalog/mssqlclient/pkg/tds"
)

// State is the stream's position in its lifecycle.
type State int

const (
	StateInitializing State = iota
	StateStreaming
	StateDraining
	StateComplete
	StateError
)

// Projection maps a SQL result column position to the output slot the host
// wants it written into; -1 means the column is fetched but not projected.
type Projection []int

// Chunk is a batch of decoded rows handed back to FillChunk's caller. Each
// row is the ordered list of column values already filtered through the
// stream's projection.
type Chunk struct {
	Rows [][]interface{}
}

type tokenEnvelope struct {
	tok tds.Token
	err error
}

// Stream owns one *conn.Conn for the life of a scan.
type Stream struct {
	c         *conn.Conn
	chunkSize int
	proj      Projection

	schema []tds.Column

	mu    sync.Mutex
	state State
	err   error

	tokens chan tokenEnvelope
	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Stream bound to c. chunkSize bounds how many rows
// FillChunk accumulates before returning; proj maps SQL column position to
// output slot (nil means "project every column, in order").
func New(c *conn.Conn, chunkSize int, proj Projection) *Stream {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	return &Stream{
		c:         c,
		chunkSize: chunkSize,
		proj:      proj,
		tokens:    make(chan tokenEnvelope, chunkSize),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Initialize sends sql and blocks until the first COLMETADATA (or an error)
// arrives, at which point the stream is in StateStreaming and Schema is
// populated. The rest of the result set is pulled lazily by FillChunk.
func (s *Stream) Initialize(ctx context.Context, sql string) error {
	go s.produce(ctx, sql)

	for {
		select {
		case env, ok := <-s.tokens:
			if !ok {
				s.setState(StateError, fmt.Errorf("mssql: connection closed before any result"))
				return s.err
			}
			if env.err != nil {
				s.setState(StateError, env.err)
				return env.err
			}
			switch env.tok.Kind {
			case tds.KindColMetadata:
				s.schema = env.tok.ColMetadata
				s.setState(StateStreaming, nil)
				return nil
			case tds.KindError:
				et := env.tok.Error
				s.setState(StateError, errors.Newf(errors.ErrCodeQueryFailed,
					"MSSQL query error (%d,%d): %s", et.Number, et.State, et.Message).Err())
				return s.err
			case tds.KindDone:
				// A batch that produces no rows and no COLMETADATA (e.g. a
				// DDL or DML statement run through Scan by mistake).
				s.setState(StateComplete, nil)
				return nil
			default:
				// INFO, ENVCHANGE, etc. before the schema arrives — ignore
				// and keep waiting.
			}
		case <-ctx.Done():
			s.setState(StateError, ctx.Err())
			return ctx.Err()
		}
	}
}

// Schema returns the most recently resolved column metadata.
func (s *Stream) Schema() []tds.Column { return s.schema }

// State returns the stream's current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) setState(st State, err error) {
	s.mu.Lock()
	s.state = st
	if err != nil {
		s.err = err
	}
	s.mu.Unlock()
}

// produce runs the batch on the connection and forwards every token onto
// s.tokens, honoring stopCh so Cancel can make it return promptly without
// waiting on a full server round trip.
func (s *Stream) produce(ctx context.Context, sql string) {
	defer close(s.tokens)
	defer close(s.doneCh)

	err := s.c.ExecuteBatch(ctx, sql, func(tok tds.Token) error {
		select {
		case <-s.stopCh:
			return errCancelled
		case s.tokens <- tokenEnvelope{tok: tok}:
			return nil
		}
	})
	if err != nil && err != errCancelled {
		select {
		case s.tokens <- tokenEnvelope{err: err}:
		case <-s.stopCh:
		}
	}
}

var errCancelled = fmt.Errorf("mssql: stream cancelled")

// FillChunk parses tokens until out reaches its capacity or the stream
// completes. It implements the fatal-on-second-resultset rule: a second
// COLMETADATA, or a DONE carrying the "more results" bit, ends the stream
// in StateError after draining the remainder of the batch so the
// connection can still be returned to the pool in Idle.
func (s *Stream) FillChunk(ctx context.Context, capacity int) (Chunk, error) {
	if capacity <= 0 {
		capacity = s.chunkSize
	}
	chunk := Chunk{Rows: make([][]interface{}, 0, capacity)}

	if s.State() != StateStreaming {
		return chunk, nil
	}

	for len(chunk.Rows) < capacity {
		select {
		case env, ok := <-s.tokens:
			if !ok {
				s.setState(StateComplete, nil)
				return chunk, nil
			}
			if env.err != nil {
				s.setState(StateError, env.err)
				return chunk, env.err
			}

			switch env.tok.Kind {
			case tds.KindRow, tds.KindNbcRow:
				chunk.Rows = append(chunk.Rows, s.project(env.tok.Row))

			case tds.KindColMetadata:
				s.drainAfterFatal()
				err := errors.New(errors.ErrCodeMultiResultSet,
					"MSSQL: the SQL batch produced multiple result sets").Err()
				s.setState(StateError, err)
				return chunk, err

			case tds.KindDone:
				if env.tok.Done.More() {
					s.drainAfterFatal()
					err := errors.New(errors.ErrCodeMultiResultSet,
						"MSSQL: the SQL batch produced multiple result sets").Err()
					s.setState(StateError, err)
					return chunk, err
				}
				s.setState(StateComplete, nil)
				return chunk, nil

			case tds.KindError:
				et := env.tok.Error
				queryErr := errors.Newf(errors.ErrCodeQueryFailed,
					"MSSQL query error (%d,%d): %s", et.Number, et.State, et.Message).Err()
				s.drainAfterFatal()
				s.setState(StateError, queryErr)
				return chunk, queryErr

			default:
				// INFO/ENVCHANGE mid-stream — ignore for row purposes.
			}

		case <-ctx.Done():
			return chunk, ctx.Err()
		}
	}
	return chunk, nil
}

// drainAfterFatal reads and discards tokens until the producer goroutine
// finishes, so the underlying ExecuteBatch call completes cleanly and the
// connection returns to Idle instead of being left mid-batch. It also
// flips the connection's parser into row-skipping mode first, so whatever
// rows the producer goroutine still has left to parse off the wire are
// discarded cheaply instead of fully decoded for nothing.
func (s *Stream) drainAfterFatal() {
	s.c.SetDiscardRows(true)
	for range s.tokens {
	}
}

func (s *Stream) project(row []interface{}) []interface{} {
	if s.proj == nil {
		return row
	}
	out := make([]interface{}, len(s.proj))
	for slot, srcCol := range s.proj {
		if srcCol >= 0 && srcCol < len(row) {
			out[slot] = row[srcCol]
		}
	}
	return out
}

// Cancel asks the server to stop the in-flight batch. It first signals the
// background producer to stop forwarding tokens (so it releases the
// connection's lock promptly) and then drives the real ATTENTION handshake
// on the now-free connection. If the drain does not complete within
// cancelTimeout the connection is closed rather than returned to the pool.
func (s *Stream) Cancel(cancelTimeout time.Duration) error {
	s.setState(StateDraining, nil)
	close(s.stopCh)

	select {
	case <-s.doneCh:
	case <-time.After(cancelTimeout):
	}

	if err := s.c.Cancel(cancelTimeout); err != nil {
		s.setState(StateError, err)
		return err
	}
	s.setState(StateComplete, nil)
	return nil
}
