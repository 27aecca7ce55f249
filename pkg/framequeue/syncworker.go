package framequeue

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/drgolem/lavtools/pkg/types"
)

// WorkerState is the position of the SyncWorker in its cycle.
type WorkerState int

const (
	WorkerWaitingForFrame WorkerState = iota
	WorkerSyncing
	WorkerReady
	WorkerStopped
)

func (s WorkerState) String() string {
	switch s {
	case WorkerWaitingForFrame:
		return "waiting"
	case WorkerSyncing:
		return "syncing"
	case WorkerReady:
		return "ready"
	case WorkerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// SyncWorker performs the blocking device sync off the capture loop. Before
// every sync it re-queues, in queue order, the buffers released since the last
// cycle, and when fewer than MinInFlight buffers are queued it waits for the
// next one in order to be released. After Stop it no longer re-queues and
// syncs the remaining buffers until none are left on the device.
type SyncWorker struct {
	fq    *FrameQueue
	frame int
	state WorkerState
}

// State returns the current worker state; the queue mutex must be held.
func (w *SyncWorker) State() WorkerState { return w.state }

// Run executes the worker loop until the queue drains after Stop, a device
// error occurs, or ctx is done.
func (w *SyncWorker) Run(ctx context.Context) error {
	fq := w.fq
	n := fq.info.Count

	wake := context.AfterFunc(ctx, func() {
		fq.mu.Lock()
		fq.cond.Broadcast()
		fq.mu.Unlock()
	})
	defer wake()

	defer func() {
		fq.mu.Lock()
		w.state = WorkerStopped
		fq.workerStopped = true
		fq.cond.Broadcast()
		fq.mu.Unlock()
	}()

	for {
		fq.mu.Lock()
		w.state = WorkerWaitingForFrame

		if !fq.stopping {
			for i := 0; i < n; i++ {
				q := int(fq.buffersQueued % uint64(n))
				if !fq.releasable[q] {
					break
				}
				if err := w.requeueLocked(q); err != nil {
					fq.mu.Unlock()
					return err
				}
			}
		}

		for fq.inFlight < MinInFlight {
			if !fq.queued[w.frame] || fq.stopping {
				break
			}
			q := int(fq.buffersQueued % uint64(n))
			if !fq.releasable[q] {
				logrus.WithFields(logrus.Fields{
					"function": "SyncWorker.Run",
					"buffer":   q,
				}).Debug("Waiting for buffer to be released")
			}
			for !fq.releasable[q] && !fq.stopping && ctx.Err() == nil {
				fq.cond.Wait()
			}
			if ctx.Err() != nil {
				fq.mu.Unlock()
				return nil
			}
			if fq.stopping {
				break
			}
			if err := w.requeueLocked(q); err != nil {
				fq.mu.Unlock()
				return err
			}
		}

		if fq.inFlight == 0 {
			fq.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function": "SyncWorker.Run",
			}).Debug("Software sync worker stopped")
			return nil
		}
		w.state = WorkerSyncing
		fq.mu.Unlock()

		info, err := w.sync(ctx)

		fq.mu.Lock()
		if err == nil && info.Index != w.frame {
			err = fmt.Errorf("device completed buffer %d, expected %d", info.Index, w.frame)
		}
		if err != nil && ctx.Err() != nil {
			fq.mu.Unlock()
			return nil
		}
		if err != nil {
			fq.ready[w.frame] = syncFailed
			fq.syncErr[w.frame] = err
			fq.failed[w.frame] = true
			fq.cond.Broadcast()
			fq.mu.Unlock()
			return fmt.Errorf("%w: sync buffer %d: %v", types.ErrDevice, w.frame, err)
		}

		fq.queued[w.frame] = false
		fq.inFlight--
		fq.syncs[w.frame] = info
		fq.ready[w.frame] = syncReady
		fq.mark(w.frame, StateFilled)
		w.state = WorkerReady
		fq.cond.Broadcast()
		w.frame = (w.frame + 1) % n
		fq.mu.Unlock()
	}
}

// requeueLocked hands a released buffer back to the device.
func (w *SyncWorker) requeueLocked(q int) error {
	fq := w.fq
	fq.releasable[q] = false
	fq.mark(q, StateFree)
	if err := fq.queueLocked(q); err != nil {
		fq.ready[q] = syncFailed
		fq.syncErr[q] = err
		fq.failed[q] = true
		fq.cond.Broadcast()
		return fmt.Errorf("re-queue buffer %d: %w", q, err)
	}
	return nil
}

// sync retries interrupted device syncs.
func (w *SyncWorker) sync(ctx context.Context) (SyncInfo, error) {
	for {
		info, err := w.fq.dev.Sync(ctx)
		if err == nil {
			return info, nil
		}
		if errors.Is(err, types.ErrInterrupted) && ctx.Err() == nil {
			logrus.WithFields(logrus.Fields{
				"function": "SyncWorker.sync",
				"buffer":   w.frame,
			}).Debug("Sync interrupted, retrying")
			continue
		}
		return SyncInfo{}, err
	}
}
