package ringloop

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"cairn/internal/disk"
)

type Opcode uint8

const (
	OpRead Opcode = iota + 1
	OpWrite
	OpSync
)

func (o Opcode) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpSync:
		return "sync"
	}
	return "unknown"
}

// Request is one submission: a positional read or write, or a device sync.
type Request struct {
	Opcode Opcode
	Dev    disk.Device
	Buf    []byte
	Offset uint64

	// Callback runs on the control goroutine with the number of bytes
	// transferred or the I/O error. It runs exactly once.
	Callback func(n int, err error)

	n   int
	err error
}

// Ring multiplexes asynchronous device I/O onto one control goroutine.
// Requests are executed by a pool of worker goroutines and their
// completions come back through a single channel. Everything except the
// workers runs on the control goroutine, which drives the ring by calling
// Loop repeatedly and Wait in between.
//
// The ring has a fixed number of submission slots. A slot is taken when a
// request is prepared and given back right before its callback runs.
type Ring struct {
	depth    int
	inflight int
	prepared []*Request
	ready    []*Request

	submitCh chan *Request
	doneCh   chan *Request

	consumers []*consumer
	nextID    int
	loopAgain bool

	cancel context.CancelFunc
	group  *errgroup.Group
	closed bool
}

type consumer struct {
	id   int
	loop func()
}

// New starts a ring with depth submission slots served by workers
// goroutines.
func New(depth, workers int) *Ring {
	if depth < 1 {
		depth = 1
	}
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	r := &Ring{
		depth:    depth,
		submitCh: make(chan *Request, depth),
		doneCh:   make(chan *Request, depth),
		cancel:   cancel,
		group:    g,
	}
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			return r.worker(ctx)
		})
	}
	return r
}

func (r *Ring) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req, ok := <-r.submitCh:
			if !ok {
				return nil
			}
			req.n, req.err = execute(req)
			r.doneCh <- req
		}
	}
}

func execute(req *Request) (int, error) {
	switch req.Opcode {
	case OpRead:
		n, err := req.Dev.ReadAt(req.Buf, int64(req.Offset))
		if err == io.EOF && n == len(req.Buf) {
			err = nil
		}
		if err == nil && n != len(req.Buf) {
			err = io.ErrUnexpectedEOF
		}
		return n, err
	case OpWrite:
		return req.Dev.WriteAt(req.Buf, int64(req.Offset))
	case OpSync:
		return 0, req.Dev.Sync()
	}
	return 0, errors.Errorf("ringloop: unknown opcode %d", req.Opcode)
}

// SpaceLeft is the number of free submission slots.
func (r *Ring) SpaceLeft() int {
	n := r.depth - r.inflight - len(r.prepared)
	if n < 0 {
		return 0
	}
	return n
}

// Depth is the total number of submission slots.
func (r *Ring) Depth() int {
	return r.depth
}

// InFlight is the number of requests handed to the workers and not yet
// completed.
func (r *Ring) InFlight() int {
	return r.inflight + len(r.prepared)
}

// Enqueue prepares req for the next Submit. It returns false and leaves
// req alone when no slot is free.
func (r *Ring) Enqueue(req *Request) bool {
	if r.SpaceLeft() == 0 {
		return false
	}
	r.prepared = append(r.prepared, req)
	return true
}

// Push prepares req even without a free slot. The request is handed to the
// workers once a slot frees up. It is meant for follow-up requests issued
// from a completion, which just gave a slot back.
func (r *Ring) Push(req *Request) {
	r.prepared = append(r.prepared, req)
}

// Submit hands prepared requests to the workers.
func (r *Ring) Submit() {
	for len(r.prepared) > 0 && r.inflight < r.depth {
		req := r.prepared[0]
		r.prepared[0] = nil
		r.prepared = r.prepared[1:]
		r.inflight++
		r.submitCh <- req
	}
	if len(r.prepared) == 0 {
		r.prepared = nil
	}
}

// RegisterConsumer adds fn to the functions Loop calls after dispatching
// completions. It returns an id for UnregisterConsumer.
func (r *Ring) RegisterConsumer(fn func()) int {
	r.nextID++
	r.consumers = append(r.consumers, &consumer{id: r.nextID, loop: fn})
	return r.nextID
}

func (r *Ring) UnregisterConsumer(id int) {
	for i, c := range r.consumers {
		if c.id == id {
			r.consumers = append(r.consumers[:i], r.consumers[i+1:]...)
			return
		}
	}
}

// Wakeup requests another Loop pass without waiting for a completion.
func (r *Ring) Wakeup() {
	r.loopAgain = true
}

// Loop dispatches every available completion, runs the consumers and
// submits what they prepared.
func (r *Ring) Loop() {
	r.loopAgain = false
	r.drain()
	for len(r.ready) > 0 {
		req := r.ready[0]
		r.ready[0] = nil
		r.ready = r.ready[1:]
		r.inflight--
		req.Callback(req.n, req.err)
	}
	r.ready = nil

	consumers := append([]*consumer(nil), r.consumers...)
	for _, c := range consumers {
		c.loop()
	}
	r.Submit()
}

func (r *Ring) drain() {
	for {
		select {
		case req := <-r.doneCh:
			r.ready = append(r.ready, req)
		default:
			return
		}
	}
}

// Wait blocks until a completion arrives, a wakeup was requested or ctx is
// done. With nothing in flight and no wakeup pending only ctx can end the
// wait.
func (r *Ring) Wait(ctx context.Context) error {
	if r.loopAgain || len(r.ready) > 0 || len(r.prepared) > 0 && r.inflight < r.depth {
		return nil
	}
	select {
	case req := <-r.doneCh:
		r.ready = append(r.ready, req)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the ring until done reports true or ctx ends.
func (r *Ring) Run(ctx context.Context, done func() bool) error {
	for {
		r.Loop()
		if done != nil && done() {
			return nil
		}
		if err := r.Wait(ctx); err != nil {
			return err
		}
	}
}

// Close stops the workers. Requests that were not executed yet never
// complete.
func (r *Ring) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.cancel()
	close(r.submitCh)
	return r.group.Wait()
}
