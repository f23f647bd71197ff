package stream

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// ErrStreamClosed is returned when the backend ends a stream cleanly.
var ErrStreamClosed = errors.New("stream closed by server")

// Source delivers frames for one scope key until ctx is done or the
// connection ends. It never returns nil while ctx is live.
type Source interface {
	Stream(ctx context.Context, scopeKey string, emit func(Frame)) error
}

// Opener is the backend half of an SSE subscription.
type Opener interface {
	StreamURL(endpoint, scopeKey string) string
	OpenStream(ctx context.Context, url string) (io.ReadCloser, error)
}

// SSESource reads text/event-stream frames from the backend.
type SSESource struct {
	opener   Opener
	endpoint string
	logger   zerolog.Logger
}

func NewSSESource(opener Opener, endpoint string, logger zerolog.Logger) *SSESource {
	return &SSESource{opener: opener, endpoint: endpoint, logger: logger}
}

func (s *SSESource) Stream(ctx context.Context, scopeKey string, emit func(Frame)) error {
	body, err := s.opener.OpenStream(ctx, s.opener.StreamURL(s.endpoint, scopeKey))
	if err != nil {
		return err
	}
	defer body.Close()

	// The request is bound to ctx, but some transports only notice on the
	// next read. Closing the body unblocks the scanner.
	stop := context.AfterFunc(ctx, func() { body.Close() })
	defer stop()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data []string
	flush := func() {
		if len(data) == 0 {
			return
		}
		payload := strings.Join(data, "\n")
		data = data[:0]
		frame, err := DecodeFrame([]byte(payload))
		if err != nil {
			s.logger.Debug().Err(err).Str("key", scopeKey).Msg("skipping malformed frame")
			return
		}
		emit(frame)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	flush()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return ErrStreamClosed
}
