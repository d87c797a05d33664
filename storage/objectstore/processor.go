package objectstore

import (
	"context"
	"sync"
	"sync/atomic"

	quiver "github.com/quiverdb/quiver"
	"github.com/quiverdb/quiver/blobstore"
)

type requestKind int

const (
	reqUpload requestKind = iota
	reqDownload
	reqDelete
)

type request struct {
	kind requestKind
	name string
	data []byte
	done chan result
}

type result struct {
	data []byte
	err  error
}

// Processor shuttles objects between the local tree and the remote store on
// its own goroutine. Constructed and started only when the remote store is
// active.
type Processor struct {
	reqCh   chan request
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool

	logger *quiver.Logger
}

// NewProcessor creates an object storage processor.
func NewProcessor(logger *quiver.Logger) *Processor {
	return &Processor{
		reqCh:  make(chan request, 256),
		stopCh: make(chan struct{}),
		logger: logger.Or().WithComponent("objectstore"),
	}
}

// Start spawns the worker.
func (p *Processor) Start() {
	if p.started.Swap(true) {
		quiver.Unrecoverable("object storage processor started twice")
	}
	p.wg.Add(1)
	go p.loop()
	p.logger.Info("object storage processor started")
}

// Stop drains in-flight requests and joins the worker.
func (p *Processor) Stop() {
	if p.stopped.Swap(true) {
		return
	}
	if p.started.Load() {
		close(p.stopCh)
		p.wg.Wait()
	}
	p.logger.Info("object storage processor stopped")
}

// Upload pushes an object to the remote store and waits for completion.
func (p *Processor) Upload(ctx context.Context, name string, data []byte) error {
	res, err := p.roundTrip(ctx, request{kind: reqUpload, name: name, data: data})
	if err != nil {
		return err
	}
	return res.err
}

// Download pulls an object from the remote store.
func (p *Processor) Download(ctx context.Context, name string) ([]byte, error) {
	res, err := p.roundTrip(ctx, request{kind: reqDownload, name: name})
	if err != nil {
		return nil, err
	}
	return res.data, res.err
}

// Delete removes an object from the remote store.
func (p *Processor) Delete(ctx context.Context, name string) error {
	res, err := p.roundTrip(ctx, request{kind: reqDelete, name: name})
	if err != nil {
		return err
	}
	return res.err
}

func (p *Processor) roundTrip(ctx context.Context, req request) (result, error) {
	if p.stopped.Load() {
		return result{}, quiver.NewStatus(quiver.CodeInvalidMode, "object storage processor is stopped")
	}
	req.done = make(chan result, 1)
	select {
	case p.reqCh <- req:
	case <-p.stopCh:
		return result{}, quiver.NewStatus(quiver.CodeInvalidMode, "object storage processor is stopped")
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
	select {
	case res := <-req.done:
		return res, nil
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

func (p *Processor) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			// Drain queued work so waiters resolve.
			for {
				select {
				case req := <-p.reqCh:
					req.done <- p.handle(req)
				default:
					return
				}
			}
		case req := <-p.reqCh:
			req.done <- p.handle(req)
		}
	}
}

func (p *Processor) handle(req request) result {
	store := Remote()
	ctx := context.Background()
	switch req.kind {
	case reqUpload:
		return result{err: store.Put(ctx, req.name, req.data)}
	case reqDownload:
		data, err := blobstore.ReadAll(ctx, store, req.name)
		return result{data: data, err: err}
	case reqDelete:
		return result{err: store.Delete(ctx, req.name)}
	default:
		return result{}
	}
}
