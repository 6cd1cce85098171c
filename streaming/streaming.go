// Package streaming provides core.VisualizerSink adapters for live viewers
// (napari, Fiji). Pushes are bounded and best-effort: a slow or dead viewer
// must never block or fail the well (§4.5 streaming boundary).
package streaming

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/openhcs/enginego/core"
	"github.com/openhcs/enginego/utils"
)

// QueuedSink wraps an underlying transport (TCP/websocket/IPC — left to the
// concrete napari/Fiji adapter) with a bounded queue and a push timeout, so
// callers never wait on the actual viewer.
type QueuedSink struct {
	name    string
	timeout time.Duration

	mu     sync.Mutex
	queue  chan queuedPush
	closed bool
}

type queuedPush struct {
	id   core.StreamImageID
	data []byte
	rois []core.ROI
}

// NewQueuedSink returns a sink with the given queue depth and push timeout.
func NewQueuedSink(name string, queueDepth int, timeout time.Duration) *QueuedSink {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &QueuedSink{name: name, timeout: timeout, queue: make(chan queuedPush, queueDepth)}
}

func (s *QueuedSink) Open(_ context.Context, _ string) error { return nil }

// PushImage enqueues an image push, dropping it (without error) if the
// queue is full or the timeout elapses — the executor never blocks on a
// viewer's liveness.
func (s *QueuedSink) PushImage(_ context.Context, id core.StreamImageID, data []byte) error {
	return s.push(queuedPush{id: id, data: data})
}

func (s *QueuedSink) PushROI(_ context.Context, id core.StreamImageID, rois []core.ROI) error {
	return s.push(queuedPush{id: id, rois: rois})
}

func (s *QueuedSink) push(p queuedPush) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}

	select {
	case s.queue <- p:
		return nil
	case <-time.After(s.timeout):
		return nil // dropped: streaming failures never fail the well
	}
}

func (s *QueuedSink) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.queue)
	return nil
}

// Drain runs forever (until the queue is closed) calling send for each
// queued push; a real napari/Fiji adapter wires send to its transport.
// NewQueuedSink does not start it: the caller runs it in its own goroutine.
func (s *QueuedSink) Drain(send func(queuedPush)) {
	for p := range s.queue {
		send(p)
	}
}

var _ core.VisualizerSink = (*QueuedSink)(nil)

// RunTransportDrain drains s onto a concrete byte-oriented transport (a TCP
// or IPC connection to napari/Fiji), framing each push as a 4-byte length
// prefix followed by its image payload, written in fixed-size chunks so one
// slow write doesn't stall behind a single huge buffer. Meant to run in its
// own goroutine; returns when s is closed or the transport errors.
func RunTransportDrain(s *QueuedSink, transport io.Writer, chunkSize int) error {
	cw := &utils.ChunkedWriter{W: transport, ChunkSize: chunkSize}
	var werr error
	s.Drain(func(p queuedPush) {
		if werr != nil {
			return
		}
		var header [4]byte
		binary.BigEndian.PutUint32(header[:], uint32(len(p.data)))
		if _, err := cw.Write(header[:]); err != nil {
			werr = err
			return
		}
		if len(p.data) > 0 {
			if _, err := cw.Write(p.data); err != nil {
				werr = err
			}
		}
	})
	return werr
}
