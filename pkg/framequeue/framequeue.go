package framequeue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/drgolem/lavtools/pkg/types"
)

// MinInFlight is the number of buffers that must stay queued for the device
// pipeline not to stall.
const MinInFlight = 2

const defaultDrainTimeout = 2 * time.Second

// Config holds frame queue configuration
type Config struct {
	// Threaded moves the blocking device sync onto a SoftwareSyncWorker
	// goroutine. Without it Sync calls the device directly and Release
	// re-queues inline (hardware encoding path).
	Threaded bool

	// DrainTimeout bounds how long Stop waits for queued buffers to drain.
	DrainTimeout time.Duration

	Tracer Tracer
}

// DefaultConfig returns default frame queue configuration
func DefaultConfig() Config {
	return Config{DrainTimeout: defaultDrainTimeout}
}

const (
	syncPending int8 = 0
	syncReady   int8 = 1
	syncFailed  int8 = -1
)

// FrameQueue keeps capture buffers cycling between the device and the caller.
//
// Thread Safety Model:
//   - Sync belongs to one caller goroutine (the capture loop)
//   - Release may be called from any goroutine (encoder workers)
//   - All shared flags are guarded by one mutex; cond is broadcast on every change
type FrameQueue struct {
	dev    DeviceBackend
	cfg    Config
	info   BufferInfo
	tracer Tracer

	mu   sync.Mutex
	cond *sync.Cond

	inFlight      int
	buffersQueued uint64
	queued        []bool
	failed        []bool
	releasable    []bool
	ready         []int8
	syncs         []SyncInfo
	syncErr       []error
	state         []BufferState
	stopping      bool

	// caller side of the threaded sync
	nextFrame int

	worker        *SyncWorker
	workerStopped bool
	workerDone    chan struct{}
	cancel        context.CancelFunc
	closed        bool
}

// New creates a frame queue over dev. Open must be called before use.
func New(dev DeviceBackend, cfg Config) *FrameQueue {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nopTracer{}
	}
	fq := &FrameQueue{dev: dev, cfg: cfg, tracer: tracer}
	fq.cond = sync.NewCond(&fq.mu)
	return fq
}

// Open opens the device and allocates per-buffer bookkeeping.
func (fq *FrameQueue) Open() (BufferInfo, error) {
	info, err := fq.dev.Open()
	if err != nil {
		return BufferInfo{}, fmt.Errorf("%w: open capture device: %v", types.ErrDevice, err)
	}
	if info.Count < MinInFlight {
		_ = fq.dev.Close()
		return BufferInfo{}, fmt.Errorf("%w: device offers %d buffers, need at least %d",
			types.ErrConfiguration, info.Count, MinInFlight)
	}

	fq.info = info
	fq.queued = make([]bool, info.Count)
	fq.failed = make([]bool, info.Count)
	fq.releasable = make([]bool, info.Count)
	fq.ready = make([]int8, info.Count)
	fq.syncs = make([]SyncInfo, info.Count)
	fq.syncErr = make([]error, info.Count)
	fq.state = make([]BufferState, info.Count)

	logrus.WithFields(logrus.Fields{
		"function": "FrameQueue.Open",
		"buffers":  info.Count,
		"size":     info.Size,
		"format":   fq.dev.Format().String(),
		"threaded": fq.cfg.Threaded,
	}).Debug("Frame queue opened")
	return info, nil
}

// Info returns the buffer set negotiated at Open.
func (fq *FrameQueue) Info() BufferInfo { return fq.info }

// Format returns the data format of the device buffers.
func (fq *FrameQueue) Format() DataFormat { return fq.dev.Format() }

// Buffer returns the memory of buffer index. It stays valid until the index
// is released.
func (fq *FrameQueue) Buffer(index int) []byte { return fq.dev.Buffer(index) }

// Start queues every buffer and, in threaded mode, starts the sync worker.
// A stopped queue may be started again once no buffer is left on the device.
func (fq *FrameQueue) Start(ctx context.Context) error {
	if err := fq.rearm(); err != nil {
		return err
	}
	for i := 0; i < fq.info.Count; i++ {
		if err := fq.Queue(i); err != nil {
			return err
		}
	}
	if !fq.cfg.Threaded {
		return nil
	}

	wctx, cancel := context.WithCancel(ctx)
	fq.cancel = cancel
	fq.workerDone = make(chan struct{})
	fq.worker = &SyncWorker{fq: fq}
	go func() {
		defer close(fq.workerDone)
		if err := fq.worker.Run(wctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "SyncWorker.Run",
				"error":    err,
			}).Error("Software sync worker failed")
		}
	}()
	return nil
}

// rearm returns every buffer to Free and clears the bookkeeping of a previous run.
func (fq *FrameQueue) rearm() error {
	fq.mu.Lock()
	defer fq.mu.Unlock()

	if fq.closed {
		return fmt.Errorf("%w: frame queue closed", types.ErrDevice)
	}
	if fq.inFlight > 0 {
		return fmt.Errorf("%w: %d buffers still queued on the device", types.ErrDevice, fq.inFlight)
	}
	fq.settleLocked()
	for i := range fq.ready {
		fq.ready[i] = syncPending
		fq.syncErr[i] = nil
		fq.failed[i] = false
	}
	fq.stopping = false
	fq.nextFrame = 0
	fq.buffersQueued = 0
	fq.worker = nil
	fq.workerStopped = false
	fq.workerDone = nil
	fq.cancel = nil
	return nil
}

// settleLocked walks every buffer that is not Free through Completed to Free.
func (fq *FrameQueue) settleLocked() {
	for i := 0; i < fq.info.Count; i++ {
		switch fq.state[i] {
		case StateQueued, StateFilled:
			fq.mark(i, StateCompleted)
			fq.mark(i, StateFree)
		case StateCompleted:
			fq.mark(i, StateFree)
		}
		fq.queued[i] = false
		fq.releasable[i] = false
	}
}

// Queue hands buffer index to the device. Queueing an index whose sync has
// failed is a no-op.
func (fq *FrameQueue) Queue(index int) error {
	fq.mu.Lock()
	defer fq.mu.Unlock()
	return fq.queueLocked(index)
}

func (fq *FrameQueue) queueLocked(index int) error {
	if index < 0 || index >= fq.info.Count {
		return fmt.Errorf("%w: buffer index %d out of range", types.ErrConfiguration, index)
	}
	if fq.failed[index] {
		return nil
	}
	if err := fq.dev.Queue(index); err != nil {
		return fmt.Errorf("%w: queue buffer %d: %v", types.ErrDevice, index, err)
	}
	fq.inFlight++
	fq.queued[index] = true
	fq.buffersQueued++
	fq.mark(index, StateQueued)
	fq.cond.Broadcast()
	return nil
}

// Sync blocks until the next buffer in queue order completes.
func (fq *FrameQueue) Sync(ctx context.Context) (SyncInfo, error) {
	if fq.cfg.Threaded {
		return fq.syncThreaded(ctx)
	}

	var info SyncInfo
	for {
		var err error
		info, err = fq.dev.Sync(ctx)
		if err == nil {
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return SyncInfo{}, ctxErr
		}
		if errors.Is(err, types.ErrInterrupted) {
			continue
		}
		return SyncInfo{}, fmt.Errorf("%w: sync: %v", types.ErrDevice, err)
	}

	fq.mu.Lock()
	fq.inFlight--
	if info.Index >= 0 && info.Index < fq.info.Count {
		fq.queued[info.Index] = false
		fq.mark(info.Index, StateFilled)
	}
	fq.mu.Unlock()
	return info, nil
}

func (fq *FrameQueue) syncThreaded(ctx context.Context) (SyncInfo, error) {
	stop := context.AfterFunc(ctx, func() {
		fq.mu.Lock()
		fq.cond.Broadcast()
		fq.mu.Unlock()
	})
	defer stop()

	fq.mu.Lock()
	defer fq.mu.Unlock()

	frame := fq.nextFrame
	for fq.ready[frame] == syncPending {
		if err := ctx.Err(); err != nil {
			return SyncInfo{}, err
		}
		if fq.workerExited() {
			return SyncInfo{}, types.ErrStopped
		}
		fq.cond.Wait()
	}

	if fq.ready[frame] == syncFailed {
		err := fq.syncErr[frame]
		return SyncInfo{}, fmt.Errorf("%w: sync buffer %d: %v", types.ErrDevice, frame, err)
	}

	fq.ready[frame] = syncPending
	fq.nextFrame = (frame + 1) % fq.info.Count
	return fq.syncs[frame], nil
}

func (fq *FrameQueue) workerExited() bool {
	return fq.worker == nil || fq.workerStopped
}

// Release marks buffer index as completed and safe to re-queue. Directly
// synced queues re-queue it inline; threaded queues hand it to the sync worker.
func (fq *FrameQueue) Release(index int) error {
	fq.mu.Lock()
	defer fq.mu.Unlock()

	if index < 0 || index >= fq.info.Count {
		return fmt.Errorf("%w: buffer index %d out of range", types.ErrConfiguration, index)
	}
	fq.mark(index, StateCompleted)

	if fq.cfg.Threaded {
		fq.releasable[index] = true
		fq.cond.Broadcast()
		return nil
	}

	fq.mark(index, StateFree)
	if fq.stopping {
		return nil
	}
	return fq.queueLocked(index)
}

// mark records a state change; fq.mu must be held.
func (fq *FrameQueue) mark(index int, to BufferState) {
	fq.state[index] = to
	fq.tracer.Transition(index, to)
}

// InFlight returns the number of buffers currently queued on the device.
func (fq *FrameQueue) InFlight() int {
	fq.mu.Lock()
	defer fq.mu.Unlock()
	return fq.inFlight
}

// Stop stops re-queueing and waits for the sync worker to drain the buffers
// still queued on the device. If the drain takes longer than DrainTimeout the
// worker's sync is canceled. Buffers left on the device afterwards are
// canceled when the device implements Resetter.
func (fq *FrameQueue) Stop() {
	fq.mu.Lock()
	fq.stopping = true
	fq.cond.Broadcast()
	fq.mu.Unlock()

	if fq.workerDone != nil {
		select {
		case <-fq.workerDone:
		case <-time.After(fq.cfg.DrainTimeout):
			logrus.WithFields(logrus.Fields{
				"function":  "FrameQueue.Stop",
				"in_flight": fq.InFlight(),
			}).Warn("Drain timed out, canceling device sync")
			fq.cancel()
			<-fq.workerDone
		}
		fq.cancel()
	}

	if fq.InFlight() > 0 {
		fq.reset()
	}
}

// reset cancels every buffer still queued on a device that supports it.
func (fq *FrameQueue) reset() {
	r, ok := fq.dev.(Resetter)
	if !ok {
		return
	}
	if err := r.Reset(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "FrameQueue.reset",
			"error":    err,
		}).Warn("Failed to reset buffer queue")
		return
	}

	fq.mu.Lock()
	defer fq.mu.Unlock()
	canceled := 0
	for i := 0; i < fq.info.Count; i++ {
		if fq.queued[i] {
			fq.queued[i] = false
			fq.mark(i, StateCompleted)
			fq.mark(i, StateFree)
			canceled++
		}
	}
	fq.inFlight = 0
	fq.cond.Broadcast()

	logrus.WithFields(logrus.Fields{
		"function": "FrameQueue.reset",
		"canceled": canceled,
	}).Debug("Buffer queue reset")
}

// Close stops the queue, returns every buffer to Free and closes the device.
func (fq *FrameQueue) Close() error {
	if fq.closed {
		return nil
	}
	fq.Stop()

	fq.mu.Lock()
	fq.settleLocked()
	fq.closed = true
	fq.mu.Unlock()

	if err := fq.dev.Close(); err != nil {
		return fmt.Errorf("%w: close device: %v", types.ErrDevice, err)
	}
	return nil
}

// IsStopped reports whether err came from a stopped queue rather than the device.
func IsStopped(err error) bool {
	return errors.Is(err, types.ErrStopped) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
