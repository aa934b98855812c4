package session

import (
	"log/slog"
	"sync"

	"github.com/runboxd/runbox/pkg/api"
	"github.com/runboxd/runbox/pkg/gateway"
)

// chunkKind identifies the stream a chunk belongs to.
type chunkKind int

const (
	chunkStdout chunkKind = iota
	chunkStderr
	chunkResult
	chunkError
	chunkKinds
)

var chunkKindNames = [chunkKinds]string{"stdout", "stderr", "result", "error"}

type streamChunk struct {
	kind chunkKind
	text string
}

// streamPump decouples gateway transport cadence from callback
// invocation. Producers append chunks to an unbounded queue; a single
// consumer goroutine delivers them to the request callbacks in arrival
// order, at most once per chunk. A slow callback therefore never blocks
// the network read loop, and a panicking callback only disables itself.
type streamPump struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []streamChunk
	closed bool
	done   chan struct{}

	handlers [chunkKinds]func(string)
}

// newStreamPump builds a pump for the request's callbacks and starts its
// consumer goroutine. Returns nil when the request carries no callbacks.
func newStreamPump(req *api.RunRequest) *streamPump {
	handlers := [chunkKinds]func(string){
		chunkStdout: req.OnStdout,
		chunkStderr: req.OnStderr,
		chunkResult: req.OnResult,
		chunkError:  req.OnError,
	}

	any := false
	for _, h := range handlers {
		if h != nil {
			any = true
			break
		}
	}
	if !any {
		return nil
	}

	p := &streamPump{
		done:     make(chan struct{}),
		handlers: handlers,
	}
	p.cond = sync.NewCond(&p.mu)
	go p.consume()
	return p
}

// gatewayHandlers returns the stream handlers to hand to the gateway.
// Only streams with a registered callback produce chunks.
func (p *streamPump) gatewayHandlers() *gateway.StreamHandlers {
	h := &gateway.StreamHandlers{}
	if p.handlers[chunkStdout] != nil {
		h.Stdout = func(s string) { p.push(chunkStdout, s) }
	}
	if p.handlers[chunkStderr] != nil {
		h.Stderr = func(s string) { p.push(chunkStderr, s) }
	}
	if p.handlers[chunkResult] != nil {
		h.Result = func(s string) { p.push(chunkResult, s) }
	}
	if p.handlers[chunkError] != nil {
		h.Error = func(s string) { p.push(chunkError, s) }
	}
	return h
}

// push enqueues one chunk. Never blocks on the consumer.
func (p *streamPump) push(kind chunkKind, text string) {
	p.mu.Lock()
	if !p.closed {
		p.queue = append(p.queue, streamChunk{kind: kind, text: text})
		p.cond.Signal()
	}
	p.mu.Unlock()
}

// drain marks the input complete and waits until every queued chunk has
// been delivered.
func (p *streamPump) drain() {
	p.mu.Lock()
	p.closed = true
	p.cond.Signal()
	p.mu.Unlock()
	<-p.done
}

// consume delivers queued chunks in order until the queue is drained
// after close.
func (p *streamPump) consume() {
	defer close(p.done)

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		batch := p.queue
		p.queue = nil
		closed := p.closed
		p.mu.Unlock()

		for _, c := range batch {
			p.deliver(c)
		}

		if closed && len(batch) == 0 {
			return
		}
		if closed {
			// Re-check for chunks pushed between unlock and delivery.
			p.mu.Lock()
			empty := len(p.queue) == 0
			p.mu.Unlock()
			if empty {
				return
			}
		}
	}
}

// deliver invokes the callback for one chunk, recovering from panics.
// A panicking callback is disabled for the rest of the run so the
// stream cannot be corrupted or stalled.
func (p *streamPump) deliver(c streamChunk) {
	handler := p.handlers[c.kind]
	if handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("stream callback panicked, disabling",
				"stream", chunkKindNames[c.kind], "panic", r)
			p.handlers[c.kind] = nil
		}
	}()
	handler(c.text)
}
