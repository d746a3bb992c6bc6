package frontend

import (
	"context"
	"net/http"
	"sync"
)

// Request is the inbound side of an exchange.
type Request struct {
	Header http.Header
	Body   []byte
	// AuthorizedDomain is the authenticated caller's domain.
	AuthorizedDomain string
}

// Response is the outbound side of an exchange. It must not be modified after
// the exchange finishes.
type Response struct {
	Header http.Header
	Body   []byte
}

// Exchange ties one inbound call to its single terminal completion.
type Exchange struct {
	ctx      context.Context
	Request  *Request
	Response *Response

	once   sync.Once
	done   chan struct{}
	result error
}

// NewExchange wraps req. A nil ctx is replaced with context.Background.
func NewExchange(ctx context.Context, req *Request) *Exchange {
	if ctx == nil {
		ctx = context.Background()
	}
	if req == nil {
		req = &Request{}
	}
	return &Exchange{
		ctx:      ctx,
		Request:  req,
		Response: &Response{Header: http.Header{}},
		done:     make(chan struct{}),
	}
}

// Context returns the request-scoped context.
func (e *Exchange) Context() context.Context {
	return e.ctx
}

// Finish records result and completes the exchange. Only the first call has
// an effect; it reports whether this call completed the exchange.
func (e *Exchange) Finish(result error) bool {
	finished := false
	e.once.Do(func() {
		e.result = result
		finished = true
		close(e.done)
	})
	return finished
}

// Done is closed once the exchange finishes.
func (e *Exchange) Done() <-chan struct{} {
	return e.done
}

// Finished reports whether Finish has been called.
func (e *Exchange) Finished() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Result returns the completion result. It is nil until Done is closed.
func (e *Exchange) Result() error {
	select {
	case <-e.done:
		return e.result
	default:
		return nil
	}
}

// Wait blocks until the exchange finishes or ctx ends.
func (e *Exchange) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.result
	case <-ctx.Done():
		return ctx.Err()
	}
}
