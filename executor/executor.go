// Copyright (c) 2024 The aa-bundler developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package executor serializes every mutating path of the bundler behind a
// single-writer lock and drives the auto-bundling and reputation-decay
// timers.
package executor

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/phamhongphuc1999/bundler/builder"
	"github.com/phamhongphuc1999/bundler/events"
	"github.com/phamhongphuc1999/bundler/log"
	"github.com/phamhongphuc1999/bundler/mempool"
	"github.com/phamhongphuc1999/bundler/reputation"
	"github.com/phamhongphuc1999/bundler/userop"
	"github.com/phamhongphuc1999/bundler/validation"
)

var logger = log.WithContext("pkg", "executor")

// Executor is the single entry for everything that mutates bundler state.
type Executor struct {
	mu      sync.Mutex
	pool    *mempool.Pool
	val     *validation.Manager
	builder *builder.Manager
	events  *events.Manager
	rep     *reputation.Manager
	chainID *big.Int

	timerMu        sync.Mutex
	maxMempoolSize int
	stopBundler    chan struct{}
	stopCron       chan struct{}
	stopHousekeep  chan struct{}
	wg             sync.WaitGroup
}

// New wires the executor. maxMempoolSize is the size-trigger threshold;
// zero means auto-mine (bundle after every accepted op).
func New(pool *mempool.Pool, val *validation.Manager, bld *builder.Manager, evs *events.Manager, rep *reputation.Manager, chainID *big.Int, maxMempoolSize int) *Executor {
	return &Executor{
		pool:           pool,
		val:            val,
		builder:        bld,
		events:         evs,
		rep:            rep,
		chainID:        chainID,
		maxMempoolSize: maxMempoolSize,
	}
}

// SendUserOperation validates op end to end, admits it to the mempool and
// triggers a size-gated bundle attempt. Returns the userOpHash.
func (e *Executor) SendUserOperation(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (common.Hash, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.val.CheckInput(op, entryPoint); err != nil {
		return common.Hash{}, err
	}
	res, err := e.val.ValidateUserOp(ctx, op, nil)
	if err != nil {
		return common.Hash{}, err
	}

	hash := op.Hash(e.val.EntryPoint(), e.chainID)
	entry := &mempool.Entry{
		Op:         op,
		Hash:       hash,
		Prefund:    res.ReturnInfo.Prefund,
		Referenced: res.ReferencedContracts,
	}
	if err := e.pool.Add(ctx, entry); err != nil {
		return common.Hash{}, err
	}
	if _, err := e.attemptBundleLocked(ctx, false); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// AttemptBundle builds and sends a bundle now (force) or when the pool is
// full enough.
func (e *Executor) AttemptBundle(ctx context.Context, force bool) (*builder.SendResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attemptBundleLocked(ctx, force)
}

func (e *Executor) attemptBundleLocked(ctx context.Context, force bool) (*builder.SendResult, error) {
	e.timerMu.Lock()
	threshold := e.maxMempoolSize
	e.timerMu.Unlock()

	if !force && e.pool.Count() < threshold {
		return nil, nil
	}
	result, err := e.builder.SendNextBundle(ctx)
	if err != nil {
		return nil, err
	}
	if threshold == 0 {
		// auto-mine mode: reconcile immediately so the next op sees the
		// post-bundle mempool.
		if err := e.events.HandlePastEvents(ctx); err != nil {
			logger.Warn("post-bundle event replay failed", "err", err)
		}
	}
	return result, nil
}

// SetBundlingMode switches between auto (bundle after every op) and manual
// (debug_bundler_sendBundleNow only).
func (e *Executor) SetBundlingMode(mode string) error {
	switch mode {
	case "auto":
		e.SetAutoBundler(0, 0)
	case "manual":
		e.SetAutoBundler(0, 1000)
	default:
		return errors.Errorf("unknown bundling mode %q", mode)
	}
	return nil
}

// SetAutoBundler replaces the bundling trigger: a periodic forced bundle
// every interval (zero disables the timer), plus the pool-size threshold.
func (e *Executor) SetAutoBundler(interval time.Duration, maxPoolSize int) {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()

	if e.stopBundler != nil {
		close(e.stopBundler)
		e.stopBundler = nil
	}
	e.maxMempoolSize = maxPoolSize
	if interval <= 0 {
		return
	}

	stop := make(chan struct{})
	e.stopBundler = stop
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				// timer errors are logged, never fatal
				if _, err := e.AttemptBundle(context.Background(), true); err != nil {
					logger.Warn("auto-bundle attempt failed", "err", err)
				}
				if err := e.events.HandlePastEvents(context.Background()); err != nil {
					logger.Warn("event replay failed", "err", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// SetReputationCron replaces the reputation decay timer.
func (e *Executor) SetReputationCron(interval time.Duration) {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()

	if e.stopCron != nil {
		close(e.stopCron)
		e.stopCron = nil
	}
	if interval <= 0 {
		return
	}

	stop := make(chan struct{})
	e.stopCron = stop
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.rep.HourlyCron()
			case <-stop:
				return
			}
		}
	}()
}

// Close stops every timer and waits for them to drain.
func (e *Executor) Close() {
	e.timerMu.Lock()
	if e.stopBundler != nil {
		close(e.stopBundler)
		e.stopBundler = nil
	}
	if e.stopCron != nil {
		close(e.stopCron)
		e.stopCron = nil
	}
	if e.stopHousekeep != nil {
		close(e.stopHousekeep)
		e.stopHousekeep = nil
	}
	e.timerMu.Unlock()
	e.wg.Wait()
}
