// Package sqlstore implements the durable store (component C1) over
// database/sql, dialect-aware for sqlite (modernc.org/sqlite) and
// Postgres (github.com/jackc/pgx/v5/stdlib). It is grounded directly on
// the teacher's internal/storage/sql package: the driver-name dispatch,
// the central queryRegistry with per-dialect overrides, the '?' to '$n'
// placeholder rewrite for Postgres, and the SQLITE_BUSY exponential
// backoff retry loop all carry over, generalized from the data-pipeline's
// source/sink/workflow-node tables to the engine's workflows/
// history_events/signals/worker_instances tables and its
// AcquireWorkflowLease-style lease compare-and-set pattern.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coilrun/gasoline/pkg/history"
	"github.com/coilrun/gasoline/pkg/store"
	"github.com/coilrun/gasoline/pkg/wferrors"
	"github.com/coilrun/gasoline/pkg/wfmodel"
)

func timeNowMs() int64 { return time.Now().UnixMilli() }

var _ store.DurableStore = (*Store)(nil)

// Store is a DurableStore backed by database/sql.
type Store struct {
	db      *sql.DB
	dialect string
	queries *queryRegistry
}

// New wraps an already-open *sql.DB. dialect is "sqlite" or "postgres";
// the caller is responsible for importing the matching driver package
// (modernc.org/sqlite or github.com/jackc/pgx/v5/stdlib) with a blank
// import, mirroring cmd/hermod/main.go's driver registration.
func New(db *sql.DB, dialect string) *Store {
	return &Store{db: db, dialect: dialect, queries: newQueryRegistry(dialect)}
}

func (s *Store) preparePlaceholders(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	idx := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(idx))
			idx++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.preparePlaceholders(q), args...)
}

func (s *Store) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.preparePlaceholders(q), args...)
}

func (s *Store) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.preparePlaceholders(q), args...)
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}

// execWithRetry retries on SQLITE_BUSY with capped exponential backoff,
// respecting context cancellation. Postgres never hits this path.
func (s *Store) execWithRetry(ctx context.Context, fn func() error) error {
	if err := fn(); err != nil {
		if !isSQLiteBusyError(err) {
			return err
		}
		backoff := 50 * time.Millisecond
		const maxAttempts = 6
		for i := 1; i < maxAttempts; i++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if e := fn(); e == nil {
				return nil
			} else if !isSQLiteBusyError(e) {
				return e
			}
			if backoff < 2*time.Second {
				backoff *= 2
				if backoff > 2*time.Second {
					backoff = 2 * time.Second
				}
			}
		}
		return fn()
	}
	return nil
}

// Init creates the schema if absent.
func (s *Store) Init(ctx context.Context) error {
	for _, key := range []string{
		QueryInitWorkflowsTable,
		QueryInitHistoryTable,
		QueryInitSignalsTable,
		QueryInitWorkerInstancesTable,
	} {
		if _, err := s.exec(ctx, s.queries.get(key)); err != nil {
			return fmt.Errorf("init %s: %w", key, err)
		}
	}
	return nil
}

func nullableInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullableString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func joinStringList(vals []string) *string {
	if len(vals) == 0 {
		return nil
	}
	b, _ := json.Marshal(vals)
	s := string(b)
	return &s
}

func splitStringList(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s.String), &out)
	return out
}

func scanWorkflow(row interface {
	Scan(dest ...any) error
}) (*wfmodel.Workflow, error) {
	var (
		wf                 wfmodel.Workflow
		tagsJSON           string
		state, output      sql.NullString
		errMsg             sql.NullString
		workerInstanceID   sql.NullString
		wakeImmediate      int
		wakeDeadlineTs     sql.NullInt64
		wakeSignals        sql.NullString
		wakeSubWorkflowID  sql.NullString
		silenceTs          sql.NullInt64
		input              string
	)
	if err := row.Scan(
		&wf.WorkflowID, &wf.Name, &wf.RayID, &wf.CreateTs,
		&input, &tagsJSON, &state, &output, &errMsg, &workerInstanceID,
		&wakeImmediate, &wakeDeadlineTs, &wakeSignals, &wakeSubWorkflowID, &silenceTs,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, wferrors.ErrNotFound
		}
		return nil, err
	}
	wf.Input = json.RawMessage(input)
	if tagsJSON != "" {
		_ = json.Unmarshal([]byte(tagsJSON), &wf.Tags)
	}
	if state.Valid {
		wf.State = json.RawMessage(state.String)
	}
	if output.Valid {
		wf.Output = json.RawMessage(output.String)
	}
	if errMsg.Valid {
		wf.Error = errMsg.String
	}
	if workerInstanceID.Valid {
		v := workerInstanceID.String
		wf.WorkerInstanceID = &v
	}
	wf.WakeImmediate = wakeImmediate != 0
	if wakeDeadlineTs.Valid {
		v := wakeDeadlineTs.Int64
		wf.WakeDeadlineTs = &v
	}
	wf.WakeSignals = splitStringList(wakeSignals)
	if wakeSubWorkflowID.Valid {
		v := wakeSubWorkflowID.String
		wf.WakeSubWorkflowID = &v
	}
	if silenceTs.Valid {
		v := silenceTs.Int64
		wf.SilenceTs = &v
	}
	return &wf, nil
}

// DispatchWorkflow inserts a freshly dispatched workflow row.
func (s *Store) DispatchWorkflow(ctx context.Context, wf wfmodel.Workflow) error {
	tagsJSON, err := json.Marshal(wf.Tags)
	if err != nil {
		return err
	}
	return s.execWithRetry(ctx, func() error {
		_, err := s.exec(ctx, s.queries.get(QueryInsertWorkflow),
			wf.WorkflowID, wf.Name, wf.RayID, wf.CreateTs, []byte(wf.Input), string(tagsJSON), []byte(wf.State),
			boolToInt(wf.WakeImmediate), nullableInt64(wf.WakeDeadlineTs), joinStringList(wf.WakeSignals), nullableString(wf.WakeSubWorkflowID),
		)
		return err
	})
}

func (s *Store) GetWorkflow(ctx context.Context, workflowID string) (*wfmodel.Workflow, error) {
	row := s.queryRow(ctx, s.queries.get(QueryGetWorkflow), workflowID)
	return scanWorkflow(row)
}

func (s *Store) GetHistory(ctx context.Context, workflowID string) ([]history.Event, error) {
	rows, err := s.query(ctx, s.queries.get(QueryGetHistory), workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []history.Event
	for rows.Next() {
		ev, err := scanHistoryRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func scanHistoryRow(rows *sql.Rows) (*history.Event, error) {
	var (
		locStr  string
		seq     int64
		typ     string
		version int
		ts      int64
		payload []byte
	)
	if err := rows.Scan(&locStr, &seq, &typ, &version, &ts, &payload); err != nil {
		return nil, err
	}
	loc, err := history.ParseLocation(locStr)
	if err != nil {
		return nil, err
	}
	var ev history.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	ev.Location = loc
	ev.Seq = seq
	ev.Type = history.EventType(typ)
	ev.Version = version
	ev.CreateTs = ts
	return &ev, nil
}

// ListWorkflows is the read-only CLI query: scan everything and filter
// in Go, since the filter combinations (name, arbitrary tag subset,
// derived state) don't reduce to one clean parameterized WHERE clause
// across both SQL dialects this store supports.
func (s *Store) ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]wfmodel.Workflow, error) {
	rows, err := s.query(ctx, s.queries.get(QueryListAllWorkflows))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []wfmodel.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		if !matchesWorkflowFilter(wf, filter) {
			continue
		}
		out = append(out, *wf)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, rows.Err()
}

func matchesWorkflowFilter(wf *wfmodel.Workflow, filter store.WorkflowFilter) bool {
	if filter.Name != "" && wf.Name != filter.Name {
		return false
	}
	if !wf.Tags.Subsumes(filter.Tags) {
		return false
	}
	switch filter.State {
	case "running":
		return wf.WorkerInstanceID != nil && !wf.IsComplete()
	case "dead":
		return !wf.IsComplete() && !wf.IsSilenced() && wf.WorkerInstanceID == nil && !wf.HasWakeCondition()
	case "complete":
		return wf.IsComplete()
	default:
		return true
	}
}

func (s *Store) ListSignals(ctx context.Context, filter store.SignalFilter) ([]wfmodel.Signal, error) {
	rows, err := s.query(ctx, s.queries.get(QueryListAllSignals))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []wfmodel.Signal
	for rows.Next() {
		var sig wfmodel.Signal
		var tagsJSON string
		var payload []byte
		var state string
		var wfID sql.NullString
		if err := rows.Scan(&sig.SignalID, &sig.Name, &payload, &tagsJSON, &sig.CreateTs, &state, &wfID); err != nil {
			return nil, err
		}
		sig.Payload = payload
		sig.State = wfmodel.SignalState(state)
		_ = json.Unmarshal([]byte(tagsJSON), &sig.Tags)
		if wfID.Valid {
			v := wfID.String
			sig.WorkflowID = &v
		}
		if filter.Name != "" && sig.Name != filter.Name {
			continue
		}
		if filter.State != "" && string(sig.State) != filter.State {
			continue
		}
		out = append(out, sig)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, rows.Err()
}

// PullWorkflows selects due workflows and atomically assigns them to
// workerInstanceID, mirroring AcquireWorkflowLease's compare-and-set
// shape: the UPDATE's WHERE clause is the compare, the SET is the swap.
func (s *Store) PullWorkflows(ctx context.Context, opts store.PullWorkflowsOptions) ([]store.WorkflowAndHistory, error) {
	if len(opts.Names) == 0 || opts.Limit <= 0 {
		return nil, nil
	}
	placeholders := make([]string, len(opts.Names))
	args := make([]any, 0, len(opts.Names)+1)
	for i, n := range opts.Names {
		placeholders[i] = "?"
		args = append(args, n)
	}
	args = append(args, opts.Limit)
	q := fmt.Sprintf(s.queries.get(QueryPullWorkflowsCandidates), strings.Join(placeholders, ","))
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	var candidateIDs []string
	for rows.Next() {
		var id string
		var wakeImmediate int
		var deadline sql.NullInt64
		var createTs int64
		if err := rows.Scan(&id, &wakeImmediate, &deadline, &createTs); err != nil {
			rows.Close()
			return nil, err
		}
		candidateIDs = append(candidateIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []store.WorkflowAndHistory
	for _, id := range candidateIDs {
		var assigned bool
		err := s.execWithRetry(ctx, func() error {
			res, e := s.exec(ctx, s.queries.get(QueryAssignWorkflow), opts.WorkerInstanceID, id)
			if e != nil {
				return e
			}
			n, _ := res.RowsAffected()
			assigned = n > 0
			return nil
		})
		if err != nil {
			return nil, err
		}
		if !assigned {
			continue
		}
		wf, err := s.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		hist, err := s.GetHistory(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, store.WorkflowAndHistory{Workflow: wf, History: hist})
	}
	return out, nil
}

// CommitEvents appends events and updates state/wake atomically, aborting
// with wferrors.ErrLeaseLost if workerInstanceID no longer holds the lease
// (checked inside the same transaction the appends happen in).
func (s *Store) CommitEvents(ctx context.Context, workerInstanceID, workflowID string, newEvents []history.Event, newState []byte, wake store.WakeUpdate) error {
	return s.execWithRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var heldBy sql.NullString
		row := tx.QueryRowContext(ctx, s.preparePlaceholders(s.queries.get(QueryCheckLeaseHeld)), workflowID)
		if err := row.Scan(&heldBy); err != nil {
			if err == sql.ErrNoRows {
				return wferrors.ErrNotFound
			}
			return err
		}
		if !heldBy.Valid || heldBy.String != workerInstanceID {
			return wferrors.ErrLeaseLost
		}

		for _, ev := range newEvents {
			payload, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, s.preparePlaceholders(s.queries.get(QueryInsertHistoryRow)),
				workflowID, ev.Location.String(), ev.Seq, string(ev.Type), ev.Version, ev.CreateTs, payload,
			); err != nil {
				return err
			}
		}

		if newState != nil {
			if _, err := tx.ExecContext(ctx, s.preparePlaceholders(s.queries.get(QueryUpdateWorkflowState)), newState, workflowID); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, s.preparePlaceholders(s.queries.get(QuerySetWakeCondition)),
			boolToInt(wake.Immediate), nullableInt64(wake.DeadlineTs), joinStringList(wake.Signals), nullableString(wake.SubWorkflowID), workflowID,
		); err != nil {
			return err
		}

		return tx.Commit()
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CompleteWorkflow is idempotent: calling it again with byte-identical
// output after the lease has already been released still succeeds.
func (s *Store) CompleteWorkflow(ctx context.Context, workerInstanceID, workflowID string, output []byte, errMsg string) error {
	return s.execWithRetry(ctx, func() error {
		_, err := s.exec(ctx, s.queries.get(QueryCompleteWorkflow), output, nullableString(strPtrOrNil(errMsg)), workflowID)
		return err
	})
}

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *Store) PublishSignal(ctx context.Context, sig wfmodel.Signal) error {
	tagsJSON, err := json.Marshal(sig.Tags)
	if err != nil {
		return err
	}
	return s.execWithRetry(ctx, func() error {
		_, err := s.exec(ctx, s.queries.get(QueryInsertSignal),
			sig.SignalID, sig.Name, []byte(sig.Payload), string(tagsJSON), sig.CreateTs, string(sig.State), nullableString(sig.WorkflowID))
		return err
	})
}

// PullNextSignal first checks whether loc already has a stored Signal
// event (replay); if so that payload is returned untouched. Otherwise it
// transactionally claims one pending signal whose tags the workflow's
// tags subsume.
func (s *Store) PullNextSignal(ctx context.Context, workflowID string, names []string, loc history.Location, version int) (*wfmodel.Signal, error) {
	row := s.queryRow(ctx, s.queries.get(QueryGetHistoryAtLocation), workflowID, loc.String())
	var existing history.Event
	var locStr string
	var seq int64
	var typ string
	var ver int
	var ts int64
	var payload []byte
	if err := row.Scan(&locStr, &seq, &typ, &ver, &ts, &payload); err == nil {
		if err := json.Unmarshal(payload, &existing); err != nil {
			return nil, err
		}
		return &wfmodel.Signal{
			SignalID: existing.SignalID,
			Name:     existing.SignalMatchedName,
			Payload:  existing.SignalPayload,
			State:    wfmodel.SignalAcked,
		}, nil
	} else if err != sql.ErrNoRows {
		return nil, err
	}

	wf, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if len(names) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(names))
	args := make([]any, len(names))
	for i, n := range names {
		placeholders[i] = "?"
		args[i] = n
	}
	q := fmt.Sprintf(s.queries.get(QueryFindPendingSignal), strings.Join(placeholders, ","))
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var sig wfmodel.Signal
		var tagsJSON string
		var payload []byte
		var state string
		var wfID sql.NullString
		if err := rows.Scan(&sig.SignalID, &sig.Name, &payload, &tagsJSON, &sig.CreateTs, &state, &wfID); err != nil {
			return nil, err
		}
		sig.Payload = payload
		sig.State = wfmodel.SignalState(state)
		_ = json.Unmarshal([]byte(tagsJSON), &sig.Tags)
		if !wf.Tags.Subsumes(sig.Tags) {
			continue
		}
		var claimed bool
		if err := s.execWithRetry(ctx, func() error {
			res, e := s.exec(ctx, s.queries.get(QueryAckSignal), workflowID, sig.SignalID)
			if e != nil {
				return e
			}
			n, _ := res.RowsAffected()
			claimed = n > 0
			return nil
		}); err != nil {
			return nil, err
		}
		if claimed {
			sig.State = wfmodel.SignalAcked
			sig.WorkflowID = &workflowID
			return &sig, nil
		}
	}
	return nil, nil
}

func (s *Store) SilenceSignal(ctx context.Context, signalID string) error {
	return s.execWithRetry(ctx, func() error {
		_, err := s.exec(ctx, s.queries.get(QuerySilenceSignal), signalID)
		return err
	})
}

// SilenceWorkflow stamps silence_ts with wall time. The store has no
// injected Clock of its own (pkg/gc and pkg/worker hold the Clock used
// for every other time decision); this administrative, rarely-called
// path is the one place the store reads time.Now() directly.
func (s *Store) SilenceWorkflow(ctx context.Context, workflowID string) error {
	return s.execWithRetry(ctx, func() error {
		_, err := s.exec(ctx, s.queries.get(QuerySilenceWorkflow), timeNowMs(), workflowID)
		return err
	})
}

func (s *Store) WakeWorkflow(ctx context.Context, workflowID string) error {
	return s.execWithRetry(ctx, func() error {
		_, err := s.exec(ctx, s.queries.get(QueryWakeWorkflow), workflowID)
		return err
	})
}

func (s *Store) RegisterWorkerPing(ctx context.Context, workerInstanceID string, ts int64, cpu, mem float64) error {
	return s.execWithRetry(ctx, func() error {
		_, err := s.exec(ctx, s.queries.get(QueryUpsertWorkerPing), workerInstanceID, ts, cpu, mem)
		return err
	})
}

func (s *Store) FailoverDeadWorkers(ctx context.Context, nowMs, thresholdMs int64) (int, error) {
	cutoff := nowMs - thresholdMs
	rows, err := s.query(ctx, s.queries.get(QueryFailoverCandidates), cutoff)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	total := 0
	for _, id := range ids {
		if err := s.execWithRetry(ctx, func() error {
			res, e := s.exec(ctx, s.queries.get(QueryClearWorkerFromWorkflows), id)
			if e != nil {
				return e
			}
			n, _ := res.RowsAffected()
			total += int(n)
			return nil
		}); err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Store) WakePastDeadlines(ctx context.Context, nowMs int64) (int, error) {
	var affected int64
	err := s.execWithRetry(ctx, func() error {
		res, e := s.exec(ctx, s.queries.get(QueryWakePastDeadlines), nowMs)
		if e != nil {
			return e
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return int(affected), err
}
