package mssql

import (
	"context"
	"fmt"
)

// ExecutionResult is execute's result shape:
// rows-affected per DONE, any RETURNVALUE parameters, and the
// non-error server messages collected along the way.
type ExecutionResult struct {
	RowsAffectedPerDone []uint64
	ReturnValues []ReturnValueEvent
	ServerMessages []Error
}

// ResultSet is one Metadata-delimited group of rows within a query's
// response; intermediate result sets are retained in a list returned
// via an overload.
type ResultSet struct {
	Columns []columnStruct
	Rows []Row
}

// Session pins a Connection and exposes the public request API: Query,
// Execute, QueryScalar, StreamQuery, WithConnection, ChangeDatabase.
type Session struct {
	conn *Connection
}

// NewSession wraps an already-dialed Connection.
func NewSession(conn *Connection) *Session { return &Session{conn: conn} }

// collectResultSets drains an event channel into a list of ResultSets
// plus an ExecutionResult, the shared plumbing behind Query and Execute.
func collectResultSets(ch <-chan interface{}) ([]ResultSet, ExecutionResult, error) {
	var sets []ResultSet
	var cur *ResultSet
	var res ExecutionResult
	var worstErr *Error

	for ev := range ch {
		switch v := ev.(type) {
		case error:
			return sets, res, v
		case MetadataEvent:
			sets = append(sets, ResultSet{Columns: v.Columns})
			cur = &sets[len(sets)-1]
		case RowEvent:
			if cur == nil {
				sets = append(sets, ResultSet{})
				cur = &sets[len(sets)-1]
			}
			cur.Rows = append(cur.Rows, Row{Columns: cur.Columns, Values: v.Row})
		case DoneEvent:
			if v.HasRowCount() {
				res.RowsAffectedPerDone = append(res.RowsAffectedPerDone, v.RowCount)
			}
		case ReturnValueEvent:
			res.ReturnValues = append(res.ReturnValues, v)
		case ServerMessageEvent:
			if v.Message.IsError() {
				if worstErr == nil || v.Message.Class > worstErr.Class {
					m := v.Message
					worstErr = &m
				}
			} else {
				res.ServerMessages = append(res.ServerMessages, v.Message)
			}
		}
	}
	if worstErr != nil {
		return sets, res, newServerError(*worstErr)
	}
	return sets, res, nil
}

// Query runs sql and returns the rows of the last result set.
// QueryResultSets exposes all of them for callers that issued a
// multi-statement batch.
func (s *Session) Query(ctx context.Context, sql string) ([]Row, error) {
	sets, _, err := s.QueryResultSets(ctx, sql)
	if err != nil {
		return nil, err
	}
	if len(sets) == 0 {
		return nil, nil
	}
	return sets[len(sets)-1].Rows, nil
}

// QueryResultSets is Query's full-fidelity overload: every intermediate
// result set is retained.
func (s *Session) QueryResultSets(ctx context.Context, sql string) ([]ResultSet, ExecutionResult, error) {
	ch, err := s.conn.StreamBatch(ctx, sql)
	if err != nil {
		return nil, ExecutionResult{}, err
	}
	return collectResultSets(ch)
}

// Execute runs sql for its side effects and returns the aggregated
// ExecutionResult.
func (s *Session) Execute(ctx context.Context, sql string) (ExecutionResult, error) {
	ch, err := s.conn.StreamBatch(ctx, sql)
	if err != nil {
		return ExecutionResult{}, err
	}
	_, res, err := collectResultSets(ch)
	return res, err
}

// QueryScalar returns the first column of the first row of the first
// result set, or ok=false if there were no rows.
func (s *Session) QueryScalar(ctx context.Context, sql string) (interface{}, bool, error) {
	sets, _, err := s.QueryResultSets(ctx, sql)
	if err != nil {
		return nil, false, err
	}
	if len(sets) == 0 || len(sets[0].Rows) == 0 {
		return nil, false, nil
	}
	row := sets[0].Rows[0]
	if len(row.Values) == 0 {
		return nil, false, nil
	}
	return row.Values[0], true, nil
}

// StreamQuery is the streaming form: the batch is sent to the server
// before StreamQuery returns, not when the caller first reads the
// returned channel, which then delivers events as they are decoded.
// Cancelling ctx triggers ATTENTION and a drain, per the
// Connection-level contract.
func (s *Session) StreamQuery(ctx context.Context, sql string, opts ExecutionOptions) (<-chan interface{}, error) {
	_ = opts // advisory only; the core does not interpret execution mode
	return s.conn.StreamBatch(ctx, sql)
}

// WithConnection pins this Session's Connection for the duration of
// body, enabling a transactional sequence of statements that must run
// on the same socket.
func (s *Session) WithConnection(ctx context.Context, body func(*Session) error) error {
	return body(s)
}

// ChangeDatabase issues "USE [name]" and idempotently no-ops if the
// connection already reports that database current.
func (s *Session) ChangeDatabase(ctx context.Context, name string) error {
	if s.conn.Database() == name {
		return nil
	}
	_, err := s.conn.SendBatch(ctx, fmt.Sprintf("USE [%s]", escapeBracketIdent(name)))
	return err
}

// escapeBracketIdent doubles a closing bracket inside a bracketed
// identifier, the minimal escaping T-SQL requires for `USE [name]`.
func escapeBracketIdent(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		out = append(out, name[i])
		if name[i] == ']' {
			out = append(out, ']')
		}
	}
	return string(out)
}

// Exec runs an RPC call against a stored procedure or well-known
// pseudo-procedure with parameters, returning the aggregated result
// across every returned result set.
func (s *Session) Exec(ctx context.Context, procName string, params []Param) (ExecutionResult, error) {
	ch, err := s.conn.SendRPC(ctx, procName, 0, 0, params)
	if err != nil {
		return ExecutionResult{}, err
	}
	_, res, err := collectResultSets(ch)
	return res, err
}
