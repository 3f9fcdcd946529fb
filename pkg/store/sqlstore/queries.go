package sqlstore

// queryRegistry holds every SQL statement used by the store, keyed by a
// symbolic name so the store code never embeds literal SQL. It allows
// driver-specific overrides while keeping one definition central, mirroring
// the teacher's internal/storage/sql/queries.go queryRegistry.
type queryRegistry struct {
	dialect string
}

func newQueryRegistry(dialect string) *queryRegistry {
	return &queryRegistry{dialect: dialect}
}

func (r *queryRegistry) get(key string) string {
	if overrides, ok := dialectOverrides[r.dialect]; ok {
		if q, ok := overrides[key]; ok {
			return q
		}
	}
	return commonQueries[key]
}

const (
	QueryInitWorkflowsTable       = "InitWorkflowsTable"
	QueryInitHistoryTable         = "InitHistoryTable"
	QueryInitSignalsTable         = "InitSignalsTable"
	QueryInitWorkerInstancesTable = "InitWorkerInstancesTable"

	QueryGetWorkflow   = "GetWorkflow"
	QueryInsertWorkflow = "InsertWorkflow"

	QueryPullWorkflowsCandidates = "PullWorkflowsCandidates"
	QueryAssignWorkflow          = "AssignWorkflow"

	QueryGetHistory        = "GetHistory"
	QueryInsertHistoryRow  = "InsertHistoryRow"
	QueryUpdateWorkflowState = "UpdateWorkflowState"
	QuerySetWakeCondition    = "SetWakeCondition"
	QueryCheckLeaseHeld      = "CheckLeaseHeld"

	QueryCompleteWorkflow = "CompleteWorkflow"

	QueryInsertSignal         = "InsertSignal"
	QueryFindPendingSignal    = "FindPendingSignal"
	QueryAckSignal            = "AckSignal"
	QuerySilenceSignal        = "SilenceSignal"
	QuerySilenceWorkflow      = "SilenceWorkflow"
	QueryWakeWorkflow         = "WakeWorkflow"
	QueryGetHistoryAtLocation = "GetHistoryAtLocation"

	QueryUpsertWorkerPing = "UpsertWorkerPing"
	QueryFailoverCandidates = "FailoverCandidates"
	QueryClearWorkerFromWorkflows = "ClearWorkerFromWorkflows"
	QueryWakePastDeadlines = "WakePastDeadlines"

	QueryListAllWorkflows = "ListAllWorkflows"
	QueryListAllSignals   = "ListAllSignals"
)

// commonQueries targets sqlite/MySQL-style '?' placeholders; the store
// rewrites them per dialect the same way the teacher's preparePlaceholders
// does for pgx.
var commonQueries = map[string]string{
	QueryInitWorkflowsTable: `CREATE TABLE IF NOT EXISTS workflows (
		workflow_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		ray_id TEXT NOT NULL,
		create_ts INTEGER NOT NULL,
		input BLOB NOT NULL,
		tags TEXT NOT NULL,
		state BLOB,
		output BLOB,
		error TEXT,
		worker_instance_id TEXT,
		wake_immediate INTEGER NOT NULL DEFAULT 0,
		wake_deadline_ts INTEGER,
		wake_signals TEXT,
		wake_sub_workflow_id TEXT,
		silence_ts INTEGER
	)`,
	QueryInitHistoryTable: `CREATE TABLE IF NOT EXISTS history_events (
		workflow_id TEXT NOT NULL,
		location TEXT NOT NULL,
		seq INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		version INTEGER NOT NULL,
		create_ts INTEGER NOT NULL,
		payload BLOB NOT NULL,
		PRIMARY KEY (workflow_id, location)
	)`,
	QueryInitSignalsTable: `CREATE TABLE IF NOT EXISTS signals (
		signal_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		payload BLOB NOT NULL,
		tags TEXT NOT NULL,
		create_ts INTEGER NOT NULL,
		state TEXT NOT NULL,
		workflow_id TEXT
	)`,
	QueryInitWorkerInstancesTable: `CREATE TABLE IF NOT EXISTS worker_instances (
		worker_instance_id TEXT PRIMARY KEY,
		last_ping_ts INTEGER NOT NULL,
		cpu_usage REAL,
		memory_usage REAL
	)`,

	QueryGetWorkflow: "SELECT workflow_id, name, ray_id, create_ts, input, tags, state, output, error, worker_instance_id, wake_immediate, wake_deadline_ts, wake_signals, wake_sub_workflow_id, silence_ts FROM workflows WHERE workflow_id = ?",
	QueryInsertWorkflow: "INSERT INTO workflows (workflow_id, name, ray_id, create_ts, input, tags, state, wake_immediate, wake_deadline_ts, wake_signals, wake_sub_workflow_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",

	QueryPullWorkflowsCandidates: "SELECT workflow_id, wake_immediate, wake_deadline_ts, create_ts FROM workflows WHERE worker_instance_id IS NULL AND output IS NULL AND silence_ts IS NULL AND name IN (%s) AND (wake_immediate = 1 OR wake_deadline_ts IS NOT NULL OR wake_signals IS NOT NULL OR wake_sub_workflow_id IS NOT NULL) ORDER BY wake_immediate DESC, wake_deadline_ts ASC, create_ts ASC, workflow_id ASC LIMIT ?",
	QueryAssignWorkflow:          "UPDATE workflows SET worker_instance_id = ? WHERE workflow_id = ? AND worker_instance_id IS NULL AND output IS NULL",

	QueryGetHistory:       "SELECT location, seq, event_type, version, create_ts, payload FROM history_events WHERE workflow_id = ? ORDER BY seq ASC",
	QueryInsertHistoryRow: "INSERT INTO history_events (workflow_id, location, seq, event_type, version, create_ts, payload) VALUES (?, ?, ?, ?, ?, ?, ?)",
	QueryUpdateWorkflowState: "UPDATE workflows SET state = ? WHERE workflow_id = ?",
	QuerySetWakeCondition:    "UPDATE workflows SET wake_immediate = ?, wake_deadline_ts = ?, wake_signals = ?, wake_sub_workflow_id = ? WHERE workflow_id = ?",
	QueryCheckLeaseHeld:      "SELECT worker_instance_id FROM workflows WHERE workflow_id = ?",

	QueryCompleteWorkflow: "UPDATE workflows SET output = ?, error = ?, worker_instance_id = NULL, wake_immediate = 0, wake_deadline_ts = NULL, wake_signals = NULL, wake_sub_workflow_id = NULL WHERE workflow_id = ?",

	QueryInsertSignal:      "INSERT INTO signals (signal_id, name, payload, tags, create_ts, state, workflow_id) VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT(signal_id) DO NOTHING",
	QueryFindPendingSignal: "SELECT signal_id, name, payload, tags, create_ts, state, workflow_id FROM signals WHERE state = 'Pending' AND name IN (%s) ORDER BY create_ts ASC",
	QueryAckSignal:         "UPDATE signals SET state = 'Acked', workflow_id = ? WHERE signal_id = ? AND state = 'Pending'",
	QuerySilenceSignal:     "UPDATE signals SET state = 'Silenced' WHERE signal_id = ?",
	QuerySilenceWorkflow:   "UPDATE workflows SET silence_ts = ? WHERE workflow_id = ?",
	QueryWakeWorkflow:      "UPDATE workflows SET wake_immediate = 1 WHERE workflow_id = ?",
	QueryGetHistoryAtLocation: "SELECT location, seq, event_type, version, create_ts, payload FROM history_events WHERE workflow_id = ? AND location = ?",

	QueryUpsertWorkerPing: "INSERT INTO worker_instances (worker_instance_id, last_ping_ts, cpu_usage, memory_usage) VALUES (?, ?, ?, ?) ON CONFLICT(worker_instance_id) DO UPDATE SET last_ping_ts = excluded.last_ping_ts, cpu_usage = excluded.cpu_usage, memory_usage = excluded.memory_usage",
	QueryFailoverCandidates: "SELECT DISTINCT w.worker_instance_id FROM workflows w LEFT JOIN worker_instances wi ON w.worker_instance_id = wi.worker_instance_id WHERE w.worker_instance_id IS NOT NULL AND w.output IS NULL AND w.silence_ts IS NULL AND (wi.last_ping_ts IS NULL OR wi.last_ping_ts < ?)",
	QueryClearWorkerFromWorkflows: "UPDATE workflows SET worker_instance_id = NULL, wake_immediate = 1 WHERE worker_instance_id = ? AND output IS NULL AND silence_ts IS NULL",
	QueryWakePastDeadlines: "UPDATE workflows SET wake_immediate = 1, wake_deadline_ts = NULL WHERE wake_deadline_ts IS NOT NULL AND wake_deadline_ts <= ? AND output IS NULL AND silence_ts IS NULL",

	QueryListAllWorkflows: "SELECT workflow_id, name, ray_id, create_ts, input, tags, state, output, error, worker_instance_id, wake_immediate, wake_deadline_ts, wake_signals, wake_sub_workflow_id, silence_ts FROM workflows ORDER BY create_ts DESC",
	QueryListAllSignals:   "SELECT signal_id, name, payload, tags, create_ts, state, workflow_id FROM signals ORDER BY create_ts DESC",
}

// dialectOverrides holds per-dialect replacements. Postgres keeps '?'
// placeholders here too; rewriting to $n happens in preparePlaceholders
// like the teacher does, so BLOB/TEXT type differences are the only thing
// that needs a true override.
var dialectOverrides = map[string]map[string]string{
	"postgres": {
		QueryInsertSignal: "INSERT INTO signals (signal_id, name, payload, tags, create_ts, state, workflow_id) VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT(signal_id) DO NOTHING",
		QueryUpsertWorkerPing: "INSERT INTO worker_instances (worker_instance_id, last_ping_ts, cpu_usage, memory_usage) VALUES (?, ?, ?, ?) ON CONFLICT(worker_instance_id) DO UPDATE SET last_ping_ts = excluded.last_ping_ts, cpu_usage = excluded.cpu_usage, memory_usage = excluded.memory_usage",
	},
}
