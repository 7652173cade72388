package core

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"liquidationqueue/core/events"
	nativecommon "liquidationqueue/native/common"
	"liquidationqueue/native/liquidation"
	"liquidationqueue/storage"
)

var sequenceKey = []byte("host/sequence")

// Commit describes the side effects of one committed message.
type Commit struct {
	Sequence uint64
	Method   string
	Time     time.Time
	Events   []events.Event
	Outbound []liquidation.Outbound
}

// CommitHook observes committed messages. Hooks run in registration order
// while the host lock is held, so they see commits in sequence order.
type CommitHook interface {
	OnCommit(ctx context.Context, commit *Commit) error
}

// CommitHookFunc adapts a function to CommitHook.
type CommitHookFunc func(ctx context.Context, commit *Commit) error

func (f CommitHookFunc) OnCommit(ctx context.Context, commit *Commit) error { return f(ctx, commit) }

// CommitGuard records a message's side effects before its state is written.
// A guard error discards the message. Revert drops what OnCommit recorded for
// a sequence whose state write failed afterwards.
type CommitGuard interface {
	CommitHook
	Revert(ctx context.Context, sequence uint64) error
}

// FeedHook republishes committed events on a live feed.
func FeedHook(feed *events.Feed) CommitHook {
	return CommitHookFunc(func(_ context.Context, commit *Commit) error {
		for _, evt := range commit.Events {
			feed.Emit(evt)
		}
		return nil
	})
}

// Host executes liquidation queue messages one at a time. Every message runs
// against a write buffer over the database and either commits entirely or
// leaves no trace. Guards see the side effects before the state write and can
// veto it; hooks see them only after the commit succeeded.
type Host struct {
	db     storage.Database
	pauses *nativecommon.PauseSet
	logger *slog.Logger
	nowFn  func() time.Time

	mu     sync.RWMutex
	guards []CommitGuard
	hooks  []CommitHook
}

// NewHost wires a host over db. A nil pause set starts with the module
// running.
func NewHost(db storage.Database, pauses *nativecommon.PauseSet, logger *slog.Logger) *Host {
	if pauses == nil {
		pauses = nativecommon.NewPauseSet()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{db: db, pauses: pauses, logger: logger, nowFn: time.Now}
}

// SetNowFunc overrides the clock handed to the engine.
func (h *Host) SetNowFunc(now func() time.Time) {
	if h == nil || now == nil {
		return
	}
	h.mu.Lock()
	h.nowFn = now
	h.mu.Unlock()
}

// AddHook registers a commit observer.
func (h *Host) AddHook(hook CommitHook) {
	if hook == nil {
		return
	}
	h.mu.Lock()
	h.hooks = append(h.hooks, hook)
	h.mu.Unlock()
}

// AddGuard registers a recorder that must accept every message before its
// state is committed.
func (h *Host) AddGuard(guard CommitGuard) {
	if guard == nil {
		return
	}
	h.mu.Lock()
	h.guards = append(h.guards, guard)
	h.mu.Unlock()
}

// Pauses exposes the pause switch shared by every message.
func (h *Host) Pauses() *nativecommon.PauseSet { return h.pauses }

func (h *Host) engine(db storage.Database, emitter events.Emitter, dispatcher liquidation.Dispatcher) *liquidation.Engine {
	engine := liquidation.NewEngine()
	engine.SetState(liquidation.NewStore(db))
	engine.SetEmitter(emitter)
	engine.SetDispatcher(dispatcher)
	engine.SetPauses(h.pauses)
	now := h.nowFn
	engine.SetNowFunc(func() int64 { return now().Unix() })
	return engine
}

// Exec runs fn as a single message. Any error discards every write fn made.
func (h *Host) Exec(ctx context.Context, method string, fn func(*liquidation.Engine) error) (*Commit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	cache := storage.NewCacheDB(h.db)
	buffer := &events.Buffer{}
	outbound := &liquidation.OutboundBuffer{}
	if err := fn(h.engine(cache, buffer, outbound)); err != nil {
		cache.Discard()
		return nil, err
	}
	seq, err := nextSequence(cache)
	if err != nil {
		cache.Discard()
		return nil, err
	}
	commit := &Commit{
		Sequence: seq,
		Method:   method,
		Time:     h.nowFn().UTC(),
		Events:   buffer.Drain(),
		Outbound: outbound.Drain(),
	}
	for i, guard := range h.guards {
		if err := guard.OnCommit(ctx, commit); err != nil {
			h.revert(ctx, h.guards[:i], commit)
			cache.Discard()
			return nil, fmt.Errorf("host: record %s: %w", method, err)
		}
	}
	if err := cache.Commit(); err != nil {
		h.revert(ctx, h.guards, commit)
		cache.Discard()
		return nil, fmt.Errorf("host: commit %s: %w", method, err)
	}
	for _, hook := range h.hooks {
		if err := hook.OnCommit(ctx, commit); err != nil {
			h.logger.Error("commit hook failed",
				slog.String("method", method),
				slog.Uint64("sequence", seq),
				slog.Any("error", err))
		}
	}
	return commit, nil
}

func (h *Host) revert(ctx context.Context, guards []CommitGuard, commit *Commit) {
	for _, guard := range guards {
		if err := guard.Revert(ctx, commit.Sequence); err != nil {
			h.logger.Error("commit guard revert failed",
				slog.String("method", commit.Method),
				slog.Uint64("sequence", commit.Sequence),
				slog.Any("error", err))
		}
	}
}

// Query runs fn against the committed state. Writes made by fn are dropped.
func (h *Host) Query(fn func(*liquidation.Engine) error) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cache := storage.NewCacheDB(h.db)
	defer cache.Discard()
	return fn(h.engine(cache, events.NoopEmitter{}, &liquidation.OutboundBuffer{}))
}

// InitGenesis bootstraps the module unless it already holds parameters.
func (h *Host) InitGenesis(ctx context.Context, genesis *liquidation.Genesis) (bool, error) {
	var initialised bool
	err := h.Query(func(engine *liquidation.Engine) error {
		_, err := engine.Params()
		if errors.Is(err, liquidation.ErrNotInitialised) {
			return nil
		}
		initialised = err == nil
		return err
	})
	if err != nil {
		return false, err
	}
	if initialised {
		return false, nil
	}
	_, err = h.Exec(ctx, "genesis", func(engine *liquidation.Engine) error {
		return engine.InitGenesis(genesis)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Sequence returns the sequence number of the last committed message.
func (h *Host) Sequence() (uint64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return readSequence(h.db)
}

func readSequence(db storage.Database) (uint64, error) {
	raw, err := db.Get(sequenceKey)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("host: corrupt sequence entry")
	}
	return binary.BigEndian.Uint64(raw), nil
}

func nextSequence(db storage.Database) (uint64, error) {
	current, err := readSequence(db)
	if err != nil {
		return 0, err
	}
	current++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], current)
	if err := db.Put(sequenceKey, buf[:]); err != nil {
		return 0, err
	}
	return current, nil
}
