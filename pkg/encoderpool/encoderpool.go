package encoderpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/drgolem/lavtools/pkg/types"
)

const (
	frameWaiting = -1 // no frame submitted for this index yet
	frameDiscard = 0
)

// Hooks are the per-frame steps run by the workers.
//
// Encode runs concurrently on different indices. Write and Audio run strictly
// in submission order, one frame at a time, because every worker waits for
// the write turn of its frame before calling them. Release follows the write.
type Hooks struct {
	// Encode compresses buffer index and returns the bytes to write.
	Encode func(index int) ([]byte, error)
	// Write stores an encoded frame count times.
	Write func(index int, frame []byte, count int) error
	// Audio feeds the audio that became due after frame index was written.
	Audio func(index int) error
	// Release hands index back for capture.
	Release func(index int) error
}

// Config holds pool configuration
type Config struct {
	Workers int
	Buffers int
}

// Validate enforces 1 <= Workers <= Buffers-1.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("%w: need at least one encoding worker, got %d",
			types.ErrConfiguration, c.Workers)
	}
	if c.Workers > c.Buffers-1 {
		return fmt.Errorf("%w: %d encoding workers need at least %d capture buffers, have %d",
			types.ErrConfiguration, c.Workers, c.Workers+1, c.Buffers)
	}
	return nil
}

// Pool runs N encoding workers over a fixed ring of capture buffers. Worker i
// owns indices i, i+N, i+2N, ... Every Submit takes the next write sequence
// number and a frame is written only once all frames with lower numbers have
// completed, so frames reach the writer in capture order regardless of how
// long each compression takes.
//
// Thread Safety Model:
//   - Submit belongs to the capture loop
//   - valid, seq, nextSubmit and nextWrite are guarded by mu; filled and done
//     are broadcast on every change
//   - Only the worker holding the write turn calls Write/Audio/Release
type Pool struct {
	cfg   Config
	hooks Hooks

	mu         sync.Mutex
	filled     *sync.Cond
	done       *sync.Cond
	valid      []int
	seq        []uint64 // write sequence number of the frame in each buffer
	nextSubmit uint64
	nextWrite  uint64
	stopping   bool
	written    uint64

	g    *errgroup.Group
	gctx context.Context
}

// New validates cfg and creates an idle pool.
func New(cfg Config, hooks Hooks) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if hooks.Write == nil || hooks.Release == nil {
		return nil, fmt.Errorf("%w: write and release hooks are required", types.ErrConfiguration)
	}

	p := &Pool{
		cfg:   cfg,
		hooks: hooks,
		valid: make([]int, cfg.Buffers),
		seq:   make([]uint64, cfg.Buffers),
	}
	p.filled = sync.NewCond(&p.mu)
	p.done = sync.NewCond(&p.mu)
	for i := range p.valid {
		p.valid[i] = frameWaiting
	}
	return p, nil
}

// Start launches the workers. A worker failure stops the whole pool.
func (p *Pool) Start(ctx context.Context) {
	p.g, p.gctx = errgroup.WithContext(ctx)

	// Wake every waiter once the group is canceled by a failure or by ctx.
	go func() {
		<-p.gctx.Done()
		p.mu.Lock()
		p.stopping = true
		p.filled.Broadcast()
		p.done.Broadcast()
		p.mu.Unlock()
	}()

	for w := 0; w < p.cfg.Workers; w++ {
		id := w
		p.g.Go(func() error {
			return p.worker(id)
		})
	}

	logrus.WithFields(logrus.Fields{
		"function": "Pool.Start",
		"workers":  p.cfg.Workers,
		"buffers":  p.cfg.Buffers,
	}).Debug("Encoding workers started")
}

// Done is closed when the pool stops or a worker fails.
func (p *Pool) Done() <-chan struct{} {
	return p.gctx.Done()
}

// Submit hands buffer index to its worker. count is the number of times the
// frame is written; 0 discards it but keeps its place in the write order.
func (p *Pool) Submit(index, count int) error {
	if count < 0 {
		count = frameDiscard
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopping || (p.gctx != nil && p.gctx.Err() != nil) {
		return types.ErrStopped
	}
	p.seq[index] = p.nextSubmit
	p.nextSubmit++
	p.valid[index] = count
	p.filled.Broadcast()
	return nil
}

func (p *Pool) worker(id int) error {
	idx := id
	n := p.cfg.Buffers

	for {
		p.mu.Lock()
		for p.valid[idx] == frameWaiting {
			if p.stopping {
				p.mu.Unlock()
				return nil
			}
			p.filled.Wait()
		}
		count := p.valid[idx]
		turn := p.seq[idx]
		p.mu.Unlock()

		var frame []byte
		if count > frameDiscard && p.hooks.Encode != nil {
			var err error
			frame, err = p.hooks.Encode(idx)
			if err != nil {
				return fmt.Errorf("encode frame %d: %w", idx, err)
			}
		}

		p.mu.Lock()
		for p.nextWrite != turn {
			if p.stopping {
				p.mu.Unlock()
				return nil
			}
			p.done.Wait()
		}
		p.mu.Unlock()

		if count > frameDiscard {
			if err := p.hooks.Write(idx, frame, count); err != nil {
				return fmt.Errorf("write frame %d: %w", idx, err)
			}
		}
		if p.hooks.Audio != nil {
			if err := p.hooks.Audio(idx); err != nil {
				return fmt.Errorf("audio after frame %d: %w", idx, err)
			}
		}

		p.mu.Lock()
		p.valid[idx] = frameWaiting
		p.nextWrite++
		if count > frameDiscard {
			p.written++
		}
		p.done.Broadcast()
		p.mu.Unlock()

		if err := p.hooks.Release(idx); err != nil {
			return fmt.Errorf("release frame %d: %w", idx, err)
		}

		idx = (idx + p.cfg.Workers) % n
	}
}

// Flush waits until every submitted frame has been written, the pool stopped,
// or ctx is done.
func (p *Pool) Flush(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.done.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	for p.nextWrite != p.nextSubmit {
		if p.stopping {
			return types.ErrStopped
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		p.done.Wait()
	}
	return nil
}

// Written returns the number of frames written so far.
func (p *Pool) Written() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written
}

// Stop wakes every waiting worker and joins them. It returns the first worker
// failure, if any. Frames submitted but not yet written are dropped.
func (p *Pool) Stop() error {
	if p.g == nil {
		return nil
	}

	p.mu.Lock()
	p.stopping = true
	p.filled.Broadcast()
	p.done.Broadcast()
	p.mu.Unlock()

	err := p.g.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Pool.Stop",
		"written":  p.Written(),
	}).Debug("Encoding workers joined")
	return err
}
