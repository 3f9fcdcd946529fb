// Package kvstore implements the durable store (component C1) over a
// directory-structured etcd keyspace, grounded on the teacher's
// pkg/state/etcd.go client wiring (clientv3.New, a key prefix, a
// per-call context timeout). Where the teacher's EtcdStateStore is a
// flat Get/Set/Delete blob cache, this driver needs compare-and-set for
// lease acquisition and commit, so it reaches for etcd's native
// Txn/Compare/Then/Else primitive instead of a read-modify-write loop.
//
// Keyspace layout (spec §6):
//
//	workflows/<id>                       -> json(wfmodel.Workflow)
//	workflows/<id>/history/<location>    -> json(history.Event)
//	workflows_by_tag/<cjson(tags)>/<id>  -> "" (secondary index)
//	signals/<id>                         -> json(wfmodel.Signal)
//	worker_instances/<id>                -> json(wfmodel.WorkerInstance)
package kvstore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/coilrun/gasoline/pkg/history"
	"github.com/coilrun/gasoline/pkg/store"
	"github.com/coilrun/gasoline/pkg/wferrors"
	"github.com/coilrun/gasoline/pkg/wfmodel"
)

// Store is a DurableStore backed by etcd.
type Store struct {
	client  *clientv3.Client
	prefix  string
	timeout time.Duration
}

// New dials etcd the same way NewEtcdStateStore does.
func New(endpoints []string, prefix string, timeout time.Duration) (*Store, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{client: cli, prefix: prefix, timeout: timeout}, nil
}

var _ store.DurableStore = (*Store)(nil)

func (s *Store) key(parts ...string) string {
	return s.prefix + strings.Join(parts, "/")
}

func (s *Store) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Close releases the underlying etcd client.
func (s *Store) Close() error { return s.client.Close() }

// Init is a no-op for etcd: there is no schema to create, only keys
// written on demand.
func (s *Store) Init(ctx context.Context) error { return nil }

func (s *Store) DispatchWorkflow(ctx context.Context, wf wfmodel.Workflow) error {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	b, err := json.Marshal(wf)
	if err != nil {
		return err
	}
	ops := []clientv3.Op{clientv3.OpPut(s.key("workflows", wf.WorkflowID), string(b))}
	for _, op := range s.tagIndexPuts(wf.WorkflowID, wf.Tags) {
		ops = append(ops, op)
	}
	_, err = s.client.Txn(cctx).Then(ops...).Commit()
	return err
}

func (s *Store) tagIndexPuts(workflowID string, tags wfmodel.Tags) []clientv3.Op {
	cjson, _ := canonicalTagsJSON(tags)
	return []clientv3.Op{clientv3.OpPut(s.key("workflows_by_tag", cjson, workflowID), "")}
}

// canonicalTagsJSON renders tags with sorted keys so the same tag set
// always maps to the same secondary-index directory regardless of
// insertion order.
func canonicalTagsJSON(tags wfmodel.Tags) (string, error) {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(tags[k])
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')
	return b.String(), nil
}

func (s *Store) GetWorkflow(ctx context.Context, workflowID string) (*wfmodel.Workflow, error) {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	resp, err := s.client.Get(cctx, s.key("workflows", workflowID))
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, wferrors.ErrNotFound
	}
	var wf wfmodel.Workflow
	if err := json.Unmarshal(resp.Kvs[0].Value, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (s *Store) GetHistory(ctx context.Context, workflowID string) ([]history.Event, error) {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	resp, err := s.client.Get(cctx, s.key("workflows", workflowID, "history")+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	events := make([]history.Event, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ev history.Event
		if err := json.Unmarshal(kv.Value, &ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Location.Compare(events[j].Location) < 0 })
	return events, nil
}

// ListWorkflows is the read-only CLI query: a full prefix scan filtered
// in Go, the same shape PullWorkflows and FailoverDeadWorkers already use
// for this driver's lack of a native WHERE.
func (s *Store) ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]wfmodel.Workflow, error) {
	cctx, cancel := s.ctx(ctx)
	resp, err := s.client.Get(cctx, s.key("workflows")+"/", clientv3.WithPrefix())
	cancel()
	if err != nil {
		return nil, err
	}
	var out []wfmodel.Workflow
	for _, kv := range resp.Kvs {
		if strings.Contains(string(kv.Key), "/history/") {
			continue
		}
		var wf wfmodel.Workflow
		if err := json.Unmarshal(kv.Value, &wf); err != nil {
			return nil, err
		}
		if !matchesWorkflowFilter(&wf, filter) {
			continue
		}
		out = append(out, wf)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
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
	cctx, cancel := s.ctx(ctx)
	resp, err := s.client.Get(cctx, s.key("signals")+"/", clientv3.WithPrefix())
	cancel()
	if err != nil {
		return nil, err
	}
	var out []wfmodel.Signal
	for _, kv := range resp.Kvs {
		var sig wfmodel.Signal
		if err := json.Unmarshal(kv.Value, &sig); err != nil {
			return nil, err
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
	return out, nil
}

// PullWorkflows lists workflow rows under the workflows/ prefix and, for
// each candidate found due, attempts an etcd Txn CAS assigning the lease:
// If(key's worker_instance_id still empty).Then(put updated workflow).
// etcd has no native WHERE/ORDER BY, so filtering and ordering happen in
// Go after a full prefix scan; this mirrors the directory-scan shape the
// teacher's EtcdStateStore already uses for Get, generalized from a
// single-key lookup to a sorted prefix listing.
func (s *Store) PullWorkflows(ctx context.Context, opts store.PullWorkflowsOptions) ([]store.WorkflowAndHistory, error) {
	if len(opts.Names) == 0 || opts.Limit <= 0 {
		return nil, nil
	}
	wanted := make(map[string]bool, len(opts.Names))
	for _, n := range opts.Names {
		wanted[n] = true
	}

	cctx, cancel := s.ctx(ctx)
	resp, err := s.client.Get(cctx, s.key("workflows")+"/", clientv3.WithPrefix())
	cancel()
	if err != nil {
		return nil, err
	}

	var candidates []wfmodel.Workflow
	for _, kv := range resp.Kvs {
		if strings.Contains(string(kv.Key), "/history/") {
			continue
		}
		var wf wfmodel.Workflow
		if err := json.Unmarshal(kv.Value, &wf); err != nil {
			return nil, err
		}
		if wf.WorkerInstanceID != nil || wf.IsComplete() || wf.IsSilenced() || !wf.HasWakeCondition() {
			continue
		}
		if !wanted[wf.Name] {
			continue
		}
		candidates = append(candidates, wf)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.WakeImmediate != b.WakeImmediate {
			return a.WakeImmediate
		}
		ad, bd := deadlineOrMax(a.WakeDeadlineTs), deadlineOrMax(b.WakeDeadlineTs)
		if ad != bd {
			return ad < bd
		}
		if a.CreateTs != b.CreateTs {
			return a.CreateTs < b.CreateTs
		}
		return a.WorkflowID < b.WorkflowID
	})
	if len(candidates) > opts.Limit {
		candidates = candidates[:opts.Limit]
	}

	var out []store.WorkflowAndHistory
	for _, wf := range candidates {
		assigned, err := s.tryAssign(ctx, wf, opts.WorkerInstanceID)
		if err != nil {
			return nil, err
		}
		if !assigned {
			continue
		}
		hist, err := s.GetHistory(ctx, wf.WorkflowID)
		if err != nil {
			return nil, err
		}
		wfCopy := wf
		wfCopy.WorkerInstanceID = &opts.WorkerInstanceID
		out = append(out, store.WorkflowAndHistory{Workflow: &wfCopy, History: hist})
	}
	return out, nil
}

func deadlineOrMax(p *int64) int64 {
	if p == nil {
		return 1<<63 - 1
	}
	return *p
}

// tryAssign performs the etcd compare-and-set that grounds
// AcquireWorkflowLease's "UPDATE ... WHERE owner_id IS NULL" shape:
// the Txn's Compare clause is the WHERE, the Then clause is the SET.
func (s *Store) tryAssign(ctx context.Context, wf wfmodel.Workflow, workerInstanceID string) (bool, error) {
	key := s.key("workflows", wf.WorkflowID)
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	fresh, err := s.client.Get(cctx, key)
	if err != nil {
		return false, err
	}
	if len(fresh.Kvs) == 0 {
		return false, nil
	}
	modRev := fresh.Kvs[0].ModRevision
	var current wfmodel.Workflow
	if err := json.Unmarshal(fresh.Kvs[0].Value, &current); err != nil {
		return false, err
	}
	if current.WorkerInstanceID != nil {
		return false, nil
	}
	current.WorkerInstanceID = &workerInstanceID
	b, err := json.Marshal(current)
	if err != nil {
		return false, err
	}
	txnResp, err := s.client.Txn(cctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", modRev)).
		Then(clientv3.OpPut(key, string(b))).
		Commit()
	if err != nil {
		return false, err
	}
	return txnResp.Succeeded, nil
}

// CommitEvents appends events and updates state/wake in a single etcd
// Txn gated on the workflow key's ModRevision staying put and the stored
// worker_instance_id still matching the caller — the same two guarantees
// the SQL driver's transaction + WHERE worker_instance_id = ? provides.
func (s *Store) CommitEvents(ctx context.Context, workerInstanceID, workflowID string, newEvents []history.Event, newState []byte, wake store.WakeUpdate) error {
	key := s.key("workflows", workflowID)
	cctx, cancel := s.ctx(ctx)
	defer cancel()

	fresh, err := s.client.Get(cctx, key)
	if err != nil {
		return err
	}
	if len(fresh.Kvs) == 0 {
		return wferrors.ErrNotFound
	}
	modRev := fresh.Kvs[0].ModRevision
	var wf wfmodel.Workflow
	if err := json.Unmarshal(fresh.Kvs[0].Value, &wf); err != nil {
		return err
	}
	if wf.WorkerInstanceID == nil || *wf.WorkerInstanceID != workerInstanceID {
		return wferrors.ErrLeaseLost
	}

	if newState != nil {
		wf.State = newState
	}
	wf.WakeImmediate = wake.Immediate
	wf.WakeDeadlineTs = wake.DeadlineTs
	wf.WakeSignals = wake.Signals
	wf.WakeSubWorkflowID = wake.SubWorkflowID

	wfBytes, err := json.Marshal(wf)
	if err != nil {
		return err
	}

	ops := []clientv3.Op{clientv3.OpPut(key, string(wfBytes))}
	for _, ev := range newEvents {
		eb, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		ops = append(ops, clientv3.OpPut(s.key("workflows", workflowID, "history", ev.Location.String()), string(eb)))
	}

	txnResp, err := s.client.Txn(cctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", modRev)).
		Then(ops...).
		Commit()
	if err != nil {
		return err
	}
	if !txnResp.Succeeded {
		return wferrors.ErrLeaseLost
	}
	return nil
}

func (s *Store) CompleteWorkflow(ctx context.Context, workerInstanceID, workflowID string, output []byte, errMsg string) error {
	key := s.key("workflows", workflowID)
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	resp, err := s.client.Get(cctx, key)
	if err != nil {
		return err
	}
	if len(resp.Kvs) == 0 {
		return wferrors.ErrNotFound
	}
	var wf wfmodel.Workflow
	if err := json.Unmarshal(resp.Kvs[0].Value, &wf); err != nil {
		return err
	}
	// Idempotent: already completed with the same output is a no-op
	// success, mirroring the SQL driver's unconditional re-affirming UPDATE.
	wf.Output = output
	wf.Error = errMsg
	wf.WorkerInstanceID = nil
	wf.ClearWake()
	b, err := json.Marshal(wf)
	if err != nil {
		return err
	}
	_, err = s.client.Put(cctx, key, string(b))
	return err
}

func (s *Store) PublishSignal(ctx context.Context, sig wfmodel.Signal) error {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	key := s.key("signals", sig.SignalID)
	existing, err := s.client.Get(cctx, key)
	if err != nil {
		return err
	}
	if len(existing.Kvs) > 0 {
		return nil // publish_signal is idempotent on identical signal_id
	}
	b, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	_, err = s.client.Put(cctx, key, string(b))
	return err
}

func (s *Store) PullNextSignal(ctx context.Context, workflowID string, names []string, loc history.Location, version int) (*wfmodel.Signal, error) {
	cctx, cancel := s.ctx(ctx)
	histKey := s.key("workflows", workflowID, "history", loc.String())
	existing, err := s.client.Get(cctx, histKey)
	cancel()
	if err != nil {
		return nil, err
	}
	if len(existing.Kvs) > 0 {
		var ev history.Event
		if err := json.Unmarshal(existing.Kvs[0].Value, &ev); err != nil {
			return nil, err
		}
		return &wfmodel.Signal{SignalID: ev.SignalID, Name: ev.SignalMatchedName, Payload: ev.SignalPayload, State: wfmodel.SignalAcked}, nil
	}

	wf, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	cctx, cancel = s.ctx(ctx)
	resp, err := s.client.Get(cctx, s.key("signals")+"/", clientv3.WithPrefix())
	cancel()
	if err != nil {
		return nil, err
	}

	wantedNames := make(map[string]bool, len(names))
	for _, n := range names {
		wantedNames[n] = true
	}

	var candidates []wfmodel.Signal
	for _, kv := range resp.Kvs {
		var sig wfmodel.Signal
		if err := json.Unmarshal(kv.Value, &sig); err != nil {
			return nil, err
		}
		if sig.State != wfmodel.SignalPending || !wantedNames[sig.Name] || !wf.Tags.Subsumes(sig.Tags) {
			continue
		}
		candidates = append(candidates, sig)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreateTs < candidates[j].CreateTs })

	for _, sig := range candidates {
		key := s.key("signals", sig.SignalID)
		cctx, cancel := s.ctx(ctx)
		fresh, err := s.client.Get(cctx, key)
		if err != nil {
			cancel()
			return nil, err
		}
		if len(fresh.Kvs) == 0 {
			cancel()
			continue
		}
		modRev := fresh.Kvs[0].ModRevision
		sig.State = wfmodel.SignalAcked
		sig.WorkflowID = &workflowID
		b, err := json.Marshal(sig)
		if err != nil {
			cancel()
			return nil, err
		}
		txnResp, err := s.client.Txn(cctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", modRev)).
			Then(clientv3.OpPut(key, string(b))).
			Commit()
		cancel()
		if err != nil {
			return nil, err
		}
		if txnResp.Succeeded {
			return &sig, nil
		}
	}
	return nil, nil
}

func (s *Store) SilenceSignal(ctx context.Context, signalID string) error {
	return s.mutateSignal(ctx, signalID, func(sig *wfmodel.Signal) { sig.State = wfmodel.SignalSilenced })
}

func (s *Store) mutateSignal(ctx context.Context, signalID string, mutate func(*wfmodel.Signal)) error {
	key := s.key("signals", signalID)
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	resp, err := s.client.Get(cctx, key)
	if err != nil {
		return err
	}
	if len(resp.Kvs) == 0 {
		return wferrors.ErrNotFound
	}
	var sig wfmodel.Signal
	if err := json.Unmarshal(resp.Kvs[0].Value, &sig); err != nil {
		return err
	}
	mutate(&sig)
	b, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	_, err = s.client.Put(cctx, key, string(b))
	return err
}

func (s *Store) SilenceWorkflow(ctx context.Context, workflowID string) error {
	return s.mutateWorkflow(ctx, workflowID, func(wf *wfmodel.Workflow) {
		ts := time.Now().UnixMilli()
		wf.SilenceTs = &ts
	})
}

func (s *Store) WakeWorkflow(ctx context.Context, workflowID string) error {
	return s.mutateWorkflow(ctx, workflowID, func(wf *wfmodel.Workflow) { wf.WakeImmediate = true })
}

func (s *Store) mutateWorkflow(ctx context.Context, workflowID string, mutate func(*wfmodel.Workflow)) error {
	key := s.key("workflows", workflowID)
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	resp, err := s.client.Get(cctx, key)
	if err != nil {
		return err
	}
	if len(resp.Kvs) == 0 {
		return wferrors.ErrNotFound
	}
	var wf wfmodel.Workflow
	if err := json.Unmarshal(resp.Kvs[0].Value, &wf); err != nil {
		return err
	}
	mutate(&wf)
	b, err := json.Marshal(wf)
	if err != nil {
		return err
	}
	_, err = s.client.Put(cctx, key, string(b))
	return err
}

func (s *Store) RegisterWorkerPing(ctx context.Context, workerInstanceID string, ts int64, cpu, mem float64) error {
	cctx, cancel := s.ctx(ctx)
	defer cancel()
	wi := wfmodel.WorkerInstance{WorkerInstanceID: workerInstanceID, LastPingTs: ts, CPUUsage: cpu, MemoryUsage: mem}
	b, err := json.Marshal(wi)
	if err != nil {
		return err
	}
	_, err = s.client.Put(cctx, s.key("worker_instances", workerInstanceID), string(b))
	return err
}

func (s *Store) FailoverDeadWorkers(ctx context.Context, nowMs, thresholdMs int64) (int, error) {
	cctx, cancel := s.ctx(ctx)
	wiResp, err := s.client.Get(cctx, s.key("worker_instances")+"/", clientv3.WithPrefix())
	cancel()
	if err != nil {
		return 0, err
	}
	alive := map[string]bool{}
	for _, kv := range wiResp.Kvs {
		var wi wfmodel.WorkerInstance
		if err := json.Unmarshal(kv.Value, &wi); err != nil {
			return 0, err
		}
		if nowMs-wi.LastPingTs < thresholdMs {
			alive[wi.WorkerInstanceID] = true
		}
	}

	cctx, cancel = s.ctx(ctx)
	wfResp, err := s.client.Get(cctx, s.key("workflows")+"/", clientv3.WithPrefix())
	cancel()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, kv := range wfResp.Kvs {
		if strings.Contains(string(kv.Key), "/history/") {
			continue
		}
		var wf wfmodel.Workflow
		if err := json.Unmarshal(kv.Value, &wf); err != nil {
			return count, err
		}
		if wf.WorkerInstanceID == nil || alive[*wf.WorkerInstanceID] {
			continue
		}
		if wf.IsComplete() || wf.IsSilenced() || !wf.HasWakeCondition() {
			continue
		}
		wf.WorkerInstanceID = nil
		wf.WakeImmediate = true
		b, err := json.Marshal(wf)
		if err != nil {
			return count, err
		}
		cctx, cancel := s.ctx(ctx)
		_, err = s.client.Put(cctx, string(kv.Key), string(b))
		cancel()
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (s *Store) WakePastDeadlines(ctx context.Context, nowMs int64) (int, error) {
	cctx, cancel := s.ctx(ctx)
	resp, err := s.client.Get(cctx, s.key("workflows")+"/", clientv3.WithPrefix())
	cancel()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, kv := range resp.Kvs {
		if strings.Contains(string(kv.Key), "/history/") {
			continue
		}
		var wf wfmodel.Workflow
		if err := json.Unmarshal(kv.Value, &wf); err != nil {
			return count, err
		}
		if wf.WakeDeadlineTs == nil || *wf.WakeDeadlineTs > nowMs || wf.IsComplete() || wf.IsSilenced() {
			continue
		}
		wf.WakeImmediate = true
		wf.WakeDeadlineTs = nil
		b, err := json.Marshal(wf)
		if err != nil {
			return count, err
		}
		cctx, cancel := s.ctx(ctx)
		_, err = s.client.Put(cctx, string(kv.Key), string(b))
		cancel()
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
