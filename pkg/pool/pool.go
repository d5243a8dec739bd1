package pool

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tweekmonster/deoplete-server/pkg/poll"
	"github.com/tweekmonster/deoplete-server/pkg/stream"
)

// Pool errors, checkable with errors.Is.
var (
	// ErrPoolClosed is returned by operations on a closed pool.
	ErrPoolClosed = errors.New("pool: closed")

	// ErrAtCapacity is returned by Spawn when the pool already holds
	// MaxWorkers workers.
	ErrAtCapacity = errors.New("pool: at capacity")
)

// relayPollInterval bounds each diagnostic relay iteration so the relay
// notices shutdown and deregistration promptly.
const relayPollInterval = 500 * time.Millisecond

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger the pool and its diagnostic relay write to.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Pool) { p.log = log }
}

// Pool supervises a fleet of worker subprocesses. It owns the worker
// collection in spawn order, the dispatch policy, backpressure, and a
// background relay that forwards worker diagnostics to the logger.
//
// The collection and the busy flags are guarded by one mutex plus a
// condition variable signaled whenever a worker becomes available: on
// spawn, on an observed reply, and on capacity changes.
type Pool struct {
	opts Options
	log  zerolog.Logger

	mu           sync.Mutex
	cond         *sync.Cond
	min, max     int
	workers      []*Worker
	closed       bool
	relayRunning bool

	cmdID    atomic.Int64
	workerID atomic.Int64

	// pollMu serializes reply draining. Reply readers are single-consumer
	// and a frame is two reads (header, payload), so two drainers on the
	// same stream would tear frames apart.
	pollMu sync.Mutex

	replies poll.Poller
	diag    poll.Poller

	// newWorker builds and starts one worker; replaced in tests.
	newWorker func(id int64) (*Worker, error)

	relayWG sync.WaitGroup
}

// New creates a pool that keeps between minWorkers and maxWorkers
// subprocesses. Workers are spawned lazily: nothing runs until the first
// dispatch.
func New(minWorkers, maxWorkers int, opts Options, options ...Option) *Pool {
	if minWorkers < 1 {
		minWorkers = 1
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}

	p := &Pool{
		opts:    opts,
		log:     zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger(),
		min:     minWorkers,
		max:     maxWorkers,
		replies: poll.New(),
		diag:    poll.New(),
	}
	for _, o := range options {
		o(p)
	}
	p.log = p.log.With().Str("pool", uuid.NewString()[:8]).Logger()
	p.cond = sync.NewCond(&p.mu)
	p.newWorker = func(id int64) (*Worker, error) {
		w := &Worker{
			id:   id,
			opts: p.opts,
			log:  p.log.With().Int64("worker", id).Logger(),
		}
		if err := w.Start(); err != nil {
			return nil, err
		}
		return w, nil
	}
	return p
}

// Spawn starts one worker, registers its reply and diagnostic streams with
// the pollers (lazily starting the relay), and appends it to the
// collection.
func (p *Pool) Spawn() (*Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spawnLocked()
}

func (p *Pool) spawnLocked() (*Worker, error) {
	if p.closed {
		return nil, ErrPoolClosed
	}
	if len(p.workers) >= p.max {
		return nil, ErrAtCapacity
	}

	w, err := p.newWorker(p.workerID.Add(1))
	if err != nil {
		return nil, err
	}

	if err := p.replies.Register(w.stdout); err != nil {
		go w.Stop() //nolint:errcheck
		return nil, fmt.Errorf("register reply stream: %w", err)
	}
	if err := p.diag.Register(w.stderr); err != nil {
		// Worker stays usable; its diagnostics are just lost.
		p.log.Warn().Err(err).Int64("worker", w.id).Msg("diagnostic stream not watchable")
	} else {
		p.startRelayLocked()
	}

	p.workers = append(p.workers, w)
	p.cond.Broadcast()
	p.log.Debug().Int64("worker", w.id).Int("workers", len(p.workers)).Msg("spawned worker")
	return w, nil
}

// availableWorker grows the pool to MinWorkers, then returns the first
// idle worker in spawn order. If none is idle and capacity remains a new
// worker is spawned; at capacity with none idle it returns nil.
func (p *Pool) availableWorkerLocked() (*Worker, error) {
	for len(p.workers) < p.min {
		if _, err := p.spawnLocked(); err != nil {
			return nil, err
		}
	}
	for _, w := range p.workers {
		if !w.busy {
			return w, nil
		}
	}
	if len(p.workers) < p.max {
		return p.spawnLocked()
	}
	return nil, nil
}

func (p *Pool) writableLocked() bool {
	if len(p.workers) < p.max {
		return true
	}
	for _, w := range p.workers {
		if !w.busy {
			return true
		}
	}
	return false
}

// Communicate dispatches one command to an available worker and returns
// the allocated command id. The call is fire-and-forget: replies surface
// later through draining and logging, never correlated back to the caller.
// When the pool is at capacity with every worker busy, Communicate blocks
// until a worker frees or capacity changes.
func (p *Pool) Communicate(name string, args ...any) (int64, error) {
	p.PollProcs()

	p.mu.Lock()
	for !p.closed && !p.writableLocked() {
		p.cond.Wait()
	}
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPoolClosed
	}
	w, err := p.availableWorkerLocked()
	if err != nil {
		p.mu.Unlock()
		return 0, err
	}
	if w == nil {
		// writableLocked held under the same lock, so a worker must exist.
		p.mu.Unlock()
		return 0, errors.New("pool: no worker available")
	}
	id := p.cmdID.Add(1)
	w.busy = true
	stdin := w.stdin
	p.mu.Unlock()

	if err := stdin.WriteCommand(name, id, args); err != nil {
		p.log.Warn().Err(err).Int64("worker", w.id).Int64("id", id).Msg("dispatch failed")
		return id, err
	}
	return id, nil
}

// PollProcs drains already-arrived replies without blocking: one frame per
// ready reply stream, logged, the owning worker marked idle. A closed
// reply stream means the worker died and removes it from the pool.
//
// Safe for concurrent use; drains are serialized so only one goroutine
// ever reads a reply stream at a time.
func (p *Pool) PollProcs() {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	ready, err := p.replies.Poll(0)
	if err != nil {
		p.log.Error().Err(err).Msg("reply poll failed")
		return
	}
	for _, r := range ready {
		v, rerr := r.Read()
		if rerr != nil {
			if errors.Is(rerr, stream.ErrClosed) {
				p.reap(r.Reader())
			}
			continue
		}
		cmd := stream.ParseCommand(v)
		p.log.Debug().Str("kind", cmd.Name).Int64("id", cmd.ID).Interface("payload", cmd.Args).Msg("reply")
		p.markIdle(r.Reader())
	}
}

func (p *Pool) markIdle(r *stream.Reader) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.OwnsStream(r) {
			w.busy = false
			p.cond.Broadcast()
			return
		}
	}
}

// reap removes a worker whose reply stream reported closed. The pool stays
// passive: dead workers are not respawned to backfill MinWorkers.
func (p *Pool) reap(r *stream.Reader) {
	p.mu.Lock()
	var dead *Worker
	for i, w := range p.workers {
		if w.OwnsStream(r) {
			dead = w
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			break
		}
	}
	if dead != nil {
		p.cond.Broadcast()
	}
	p.mu.Unlock()

	if dead == nil {
		return
	}
	p.log.Error().Int64("worker", dead.id).Msg("worker died")
	go func() {
		code, _ := dead.Stop()
		p.log.Debug().Int64("worker", dead.id).Int("exit", code).Msg("worker reaped")
	}()
}

func (p *Pool) startRelayLocked() {
	if p.relayRunning || p.closed {
		return
	}
	p.relayRunning = true
	p.relayWG.Add(1)
	p.log.Debug().Msg("starting diagnostic relay")
	go p.relayLoop()
}

// relayLoop runs while any diagnostic stream is registered, forwarding
// parsed log frames to the pool's logger. Every iteration recovers from
// failures so the relay never dies silently.
//
// The exit decision and the relayRunning flag are handled under the pool
// lock in one step: a spawn registering a new stream either observes the
// relay still running or restarts it. Checking outside the lock would let
// a register slip between the check and the exit, leaving the stream
// unwatched.
func (p *Pool) relayLoop() {
	defer p.relayWG.Done()

	for {
		p.mu.Lock()
		if p.closed || !p.diag.CanPoll() {
			p.relayRunning = false
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		ready, err := p.diag.Poll(relayPollInterval)
		if err != nil {
			p.log.Error().Err(err).Msg("diagnostic poll failed")
			continue
		}
		for _, r := range ready {
			p.relayRead(r)
		}
	}
}

func (p *Pool) relayRead(r poll.Ready) {
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Error().Interface("panic", rec).Msg("error relaying diagnostics")
		}
	}()

	wid := "?"
	p.mu.Lock()
	for _, w := range p.workers {
		if w.OwnsStream(r.Reader()) {
			wid = strconv.FormatInt(w.id, 10)
			break
		}
	}
	p.mu.Unlock()
	log := p.log.With().Str("worker", wid).Logger()

	v, err := r.Read()
	if err != nil {
		if errors.Is(err, stream.ErrClosed) {
			log.Error().Msg("diagnostic stream closed")
		}
		return
	}

	cmd := stream.ParseCommand(v)
	if cmd.Name == "log" && len(cmd.Args) >= 2 {
		log.WithLevel(relayLevel(cmd.Args[0])).Msg(fmt.Sprint(cmd.Args[1]))
		return
	}
	log.Warn().Str("name", cmd.Name).Int64("id", cmd.ID).Interface("args", cmd.Args).
		Msg("unknown command on diagnostic stream")
}

// relayLevel maps the fleet's numeric log levels onto zerolog's.
// Fatal-class events relay at error level so the relay keeps running.
func relayLevel(v any) zerolog.Level {
	var n int64
	switch x := v.(type) {
	case json.Number:
		n, _ = x.Int64()
	case float64:
		n = int64(x)
	case int:
		n = int64(x)
	}
	switch {
	case n >= 40:
		return zerolog.ErrorLevel
	case n >= 30:
		return zerolog.WarnLevel
	case n >= 20:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}

// SetLimits adjusts pool capacity at runtime. Raising the maximum wakes
// blocked Communicate callers. Shrinking never stops live workers; the
// collection drains down by attrition.
func (p *Pool) SetLimits(minWorkers, maxWorkers int) {
	if minWorkers < 1 {
		minWorkers = 1
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	p.mu.Lock()
	p.min, p.max = minWorkers, maxWorkers
	p.cond.Broadcast()
	p.mu.Unlock()
	p.log.Info().Int("min", minWorkers).Int("max", maxWorkers).Msg("pool limits updated")
}

// Workers returns the number of live workers.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Close stops the relay, stops every worker, and releases both pollers.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	workers := p.workers
	p.workers = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, w := range workers {
		code, err := w.Stop()
		if err != nil {
			p.log.Warn().Err(err).Int64("worker", w.id).Msg("worker leaked on shutdown")
			continue
		}
		p.log.Debug().Int64("worker", w.id).Int("exit", code).Msg("worker stopped")
	}

	p.relayWG.Wait()
	_ = p.replies.Close()
	return p.diag.Close()
}
