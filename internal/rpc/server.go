package rpc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/roach88/persistd/internal/persistence"
)

// DefaultMaxInFlight bounds concurrently running requests when no limit is
// configured.
const DefaultMaxInFlight = 64

// Server reads request frames from a stream and answers each one. Requests
// run concurrently, so responses may arrive out of order; callers match
// them by id.
type Server struct {
	dispatcher  *Dispatcher
	codec       Codec
	maxInFlight int
	logger      *slog.Logger
}

// NewServer creates a server. maxInFlight <= 0 selects DefaultMaxInFlight.
func NewServer(d *Dispatcher, codec Codec, maxInFlight int, logger *slog.Logger) *Server {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	if logger == nil {
		logger = d.logger
	}
	return &Server{
		dispatcher:  d,
		codec:       codec,
		maxInFlight: maxInFlight,
		logger:      logger,
	}
}

// Serve answers requests from r on w until r is exhausted or ctx is
// cancelled. It waits for in-flight requests before returning. Reaching
// EOF is not an error.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	reader := s.codec.NewReader(r)
	writer := s.codec.NewWriter(w)

	var (
		writeMu  sync.Mutex
		writeErr error
		wg       sync.WaitGroup
	)
	sem := make(chan struct{}, s.maxInFlight)

	respond := func(resp Response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if writeErr != nil {
			return
		}
		if err := writer.Write(resp); err != nil {
			writeErr = err
			s.logger.Error("writing response failed", "error", err)
		}
	}

	// Frames are read on their own goroutine so cancellation does not
	// wait for the next frame.
	type next struct {
		req Request
		err error
	}
	frames := make(chan next)
	go func() {
		for {
			req, err := reader.Read()
			select {
			case frames <- next{req, err}:
			case <-ctx.Done():
				return
			}
			var pe *persistence.Error
			if err != nil && !errors.As(err, &pe) {
				return
			}
		}
	}()

	s.logger.Info("serving", "codec", s.codec.Name(), "max_in_flight", s.maxInFlight)

	var readErr error
loop:
	for {
		var f next
		select {
		case <-ctx.Done():
			break loop
		case f = <-frames:
		}

		if f.err != nil {
			var pe *persistence.Error
			if errors.As(f.err, &pe) {
				s.logger.Warn("rejected frame", "error", pe.Reason)
				respond(errorResponse(f.req.ID, pe))
				continue
			}
			if !errors.Is(f.err, io.EOF) {
				readErr = f.err
			}
			break loop
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break loop
		}
		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			defer func() { <-sem }()
			respond(s.dispatcher.Handle(ctx, req))
		}(f.req)
	}

	wg.Wait()

	writeMu.Lock()
	defer writeMu.Unlock()
	if readErr != nil {
		return readErr
	}
	return writeErr
}
