// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loom-im/loom/homeserver"
	"github.com/loom-im/loom/storage"
)

// Status is the sync engine's lifecycle state.
type Status int

const (
	StatusStopped Status = iota
	StatusInitialSync
	StatusCatchupSync
	StatusSyncing
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusInitialSync:
		return "initial_sync"
	case StatusCatchupSync:
		return "catchup_sync"
	case StatusSyncing:
		return "syncing"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Update is one status transition, delivered on the Updates channel.
// Err is set only when Status is StatusStopped and the stop was caused
// by a failure.
type Update struct {
	Status Status
	Err    error
}

const (
	// longPollTimeout is the server-side wait sent while in steady
	// state. Catchup and initial sync send 0 to drain queued data
	// without waiting.
	longPollTimeout = 30 * time.Second

	// requestGrace is added on top of the long-poll timeout as the
	// client-side deadline, so a wedged connection cannot hang the
	// loop indefinitely.
	requestGrace = 80 * time.Second
)

// Config carries the sync engine's dependencies.
type Config struct {
	Session *homeserver.Session
	DB      *storage.DB
	Handler Handler

	// Filter is an optional inline /sync filter definition. It is
	// negotiated into a server-side filter ID on first use; the ID is
	// persisted with the cursor and reused across restarts.
	Filter any

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Engine is the sync loop driver. All network requests and write
// transactions happen sequentially on one goroutine; a new cycle never
// starts while the previous one's pipeline is still running.
type Engine struct {
	session *homeserver.Session
	db      *storage.DB
	handler Handler
	filter  any
	logger  *slog.Logger

	updates chan Update

	mu     sync.Mutex
	status Status
	err    error
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a sync engine in the Stopped state.
func New(config Config) (*Engine, error) {
	if config.Session == nil {
		return nil, fmt.Errorf("syncer: Config.Session is required")
	}
	if config.DB == nil {
		return nil, fmt.Errorf("syncer: Config.DB is required")
	}
	if config.Handler == nil {
		return nil, fmt.Errorf("syncer: Config.Handler is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		session: config.Session,
		db:      config.DB,
		handler: config.Handler,
		filter:  config.Filter,
		logger:  logger,
		updates: make(chan Update, 16),
		status:  StatusStopped,
	}, nil
}

// Status returns the current lifecycle state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Err returns the error that stopped the loop, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Updates returns the status transition channel. Sends never block;
// when the receiver falls behind, intermediate transitions are
// dropped in favor of newer ones.
func (e *Engine) Updates() <-chan Update {
	return e.updates
}

// Start begins the sync loop. Idempotent: a no-op unless the engine is
// Stopped. The initial state is InitialSync when no cursor has ever
// been committed, CatchupSync otherwise; a caller reacting to a
// network-restored signal just calls Start again.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.status != StatusStopped {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	cursor, err := e.loadCursor(ctx)
	if err != nil {
		return err
	}
	if e.filter != nil && cursor.FilterID == "" {
		cursor.FilterID, err = e.session.CreateFilter(ctx, e.filter)
		if err != nil {
			return fmt.Errorf("syncer: negotiating filter: %w", err)
		}
	}

	status := StatusCatchupSync
	if cursor.NextBatch == "" {
		status = StatusInitialSync
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	e.mu.Lock()
	e.status = status
	e.err = nil
	e.cancel = cancel
	e.done = done
	e.mu.Unlock()
	e.notify(Update{Status: status})

	go e.run(loopCtx, cursor, done)
	return nil
}

// Stop aborts any in-flight request and waits for the loop to exit.
// Cycles past their commit point stay committed; no new cycle starts.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (e *Engine) run(ctx context.Context, cursor storage.Cursor, done chan struct{}) {
	var stopErr error
	defer func() {
		e.mu.Lock()
		e.status = StatusStopped
		e.err = stopErr
		e.cancel = nil
		e.done = nil
		e.mu.Unlock()
		e.notify(Update{Status: StatusStopped, Err: stopErr})
		close(done)
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		timeout := time.Duration(0)
		if e.Status() == StatusSyncing {
			timeout = longPollTimeout
		}
		requestCtx, cancelRequest := context.WithTimeout(ctx, timeout+requestGrace)
		response, err := e.session.Sync(requestCtx, homeserver.SyncOptions{
			Since:      cursor.NextBatch,
			Timeout:    int(timeout.Milliseconds()),
			SetTimeout: true,
			Filter:     cursor.FilterID,
		})
		cancelRequest()

		if err != nil {
			if ctx.Err() != nil || homeserver.IsAbort(err) {
				return
			}
			if homeserver.IsTimeout(err) {
				// A timed-out long poll carries no protocol meaning;
				// retry with the same cursor.
				continue
			}
			stopErr = err
			e.logger.Error("sync request failed", "error", err)
			return
		}

		if err := e.runCycle(ctx, response, &cursor); err != nil {
			if ctx.Err() != nil || homeserver.IsAbort(err) {
				return
			}
			stopErr = err
			e.logger.Error("sync cycle failed", "error", err)
			return
		}
		e.advance(response)
	}
}

// advance moves the state machine forward after a committed cycle:
// the initial sync is a form of catchup, and catchup ends when the
// server-side to-device queue is drained.
func (e *Engine) advance(response *homeserver.SyncResponse) {
	e.mu.Lock()
	previous := e.status
	switch {
	case previous == StatusInitialSync:
		e.status = StatusCatchupSync
	case previous == StatusCatchupSync && len(response.ToDevice.Events) == 0:
		e.status = StatusSyncing
	}
	current := e.status
	e.mu.Unlock()
	if current != previous {
		e.notify(Update{Status: current})
	}
}

func (e *Engine) loadCursor(ctx context.Context) (storage.Cursor, error) {
	txn, err := e.db.ReadTxn(ctx)
	if err != nil {
		return storage.Cursor{}, err
	}
	defer txn.Abort()
	return txn.Cursor()
}

func (e *Engine) notify(update Update) {
	for {
		select {
		case e.updates <- update:
			return
		default:
		}
		// Full: drop the oldest transition so the latest always lands.
		select {
		case <-e.updates:
		default:
		}
	}
}
