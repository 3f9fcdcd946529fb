// Package activity implements the Activity / Operation Runner (component
// C4): canonical input hashing and exponential-backoff retry for both
// activities and the non-durable Operations that share the same Runner.
// Memoizing results in history and committing them before returning are
// done by the call site in pkg/wfctx, not here.
package activity

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/coilrun/gasoline/pkg/registry"
	"github.com/coilrun/gasoline/pkg/wferrors"
)

// Config bounds one activity's retry behavior (spec §4.4 MAX_RETRIES /
// RETRY_TIMEOUT_MS, supplemented with the backoff/v4 knobs the teacher's
// dependency exposes).
type Config struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Timeout         time.Duration
}

// DefaultConfig mirrors the spec's stated defaults: a handful of
// retries, sub-second initial backoff, capped growth.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      5,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Timeout:         30 * time.Second,
	}
}

// Result is what Run returns on success: the raw output bytes and the
// canonical input hash the caller should persist in the history event
// for determinism checks on replay.
type Result struct {
	Output    []byte
	InputHash string
}

// HashInput computes a stable hash over input by marshaling it through
// canonical (sorted-key) JSON first. This is the one place the engine
// falls back to the standard library outright: no example repo in the
// corpus ships a canonical-JSON hasher, and sha256 itself is the same
// primitive the teacher's pkg/crypto package already builds on for its
// own encryption helpers.
func HashInput(input []byte) (string, error) {
	canon, err := canonicalize(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalize(raw []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

// Runner executes a registered activity or operation with retry. Run is
// for activities, whose outcome the caller appends to history;
// RunOperation is for operations, which return a result with no history
// row. Both share the same handler registry and retry/backoff ladder —
// durability is a property of how the call site persists the result, not
// of the Runner itself.
type Runner struct {
	reg    *registry.Registry
	config Config
}

func NewRunner(reg *registry.Registry, cfg Config) *Runner {
	return &Runner{reg: reg, config: cfg}
}

// runnerCtxKey embeds the Runner itself into the ctx an activity handler
// receives, so a handler can reach RunOperation without a package-level
// global: the Runner is already the one place that knows the registry
// and the backoff/timeout configuration an Operation call should use.
type runnerCtxKey struct{}

// RunnerFromContext recovers the Runner embedded in ctx during Run, or
// nil outside of one (a programming error in the caller).
func RunnerFromContext(ctx context.Context) *Runner {
	r, _ := ctx.Value(runnerCtxKey{}).(*Runner)
	return r
}

// Run invokes the named activity/operation against input, retrying
// failures with exponential backoff up to MaxRetries. A handler error
// that is a nondeterminism error (wferrors.IsNondeterminism) aborts
// immediately without retry; every other handler error is retried.
func (r *Runner) Run(ctx context.Context, name string, input []byte) (Result, error) {
	handler, err := r.reg.Activity(name)
	if err != nil {
		return Result{}, err
	}

	hash, err := HashInput(input)
	if err != nil {
		return Result{}, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.config.InitialInterval
	b.MaxInterval = r.config.MaxInterval
	b.MaxElapsedTime = 0 // bounded by WithMaxRetries below instead of wall time
	policy := backoff.WithMaxRetries(b, uint64(r.config.MaxRetries))

	var output []byte
	runCtx := context.WithValue(ctx, runnerCtxKey{}, r)
	var cancel context.CancelFunc
	if r.config.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, r.config.Timeout)
		defer cancel()
	}

	operation := func() error {
		out, err := handler(runCtx, input)
		if err != nil {
			if wferrors.IsNondeterminism(err) {
				return backoff.Permanent(err)
			}
			return wferrors.NewTransient(err)
		}
		output = out
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		if perm, ok := err.(*backoff.PermanentError); ok {
			return Result{}, perm.Err
		}
		return Result{}, &wferrors.OperationFailure{Activity: name, Cause: err}
	}

	return Result{Output: output, InputHash: hash}, nil
}

// RunOperation invokes a registered handler exactly like Run — same
// lookup, same retry/backoff ladder — but the caller owns whether the
// result is ever persisted: Operations are the non-durable sibling spec
// §4.4 describes, for a request/response call whose outcome doesn't need
// to survive a crash (and so gets no history row and no replay
// memoization). timeout overrides the Runner's configured activity
// timeout for this one call; zero falls back to Config.Timeout. Callable
// directly from workflow context (pkg/wfctx.Context.Operation) or from
// inside an activity handler via RunnerFromContext.
func (r *Runner) RunOperation(ctx context.Context, name string, input []byte, timeout time.Duration) (Result, error) {
	cfg := r.config
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	scoped := &Runner{reg: r.reg, config: cfg}
	return scoped.Run(ctx, name, input)
}
