package llm

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"swarmx/internal/domain"
)

var (
	sseData = []byte("data:")
	sseDone = []byte("[DONE]")
)

// readSSE turns the "data:" lines of an SSE body into deltas using decode.
// Lines decode cannot parse are skipped. The channel closes after a Done
// delta, at end of body, or when ctx is cancelled. A stream that ends
// without a Done delta, including on read errors, gets a synthetic one.
func readSSE(ctx context.Context, body io.ReadCloser, decode func(data []byte) (*domain.StreamDelta, error)) <-chan domain.StreamDelta {
	ch := make(chan domain.StreamDelta, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		send := func(d domain.StreamDelta) bool {
			select {
			case ch <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			data, ok := bytes.CutPrefix(scanner.Bytes(), sseData)
			if !ok {
				continue
			}
			data = bytes.TrimSpace(data)
			if bytes.Equal(data, sseDone) {
				send(domain.StreamDelta{Done: true})
				return
			}

			delta, err := decode(data)
			if err != nil || delta == nil {
				continue
			}
			if !send(*delta) || delta.Done {
				return
			}
		}
		send(domain.StreamDelta{Done: true})
	}()
	return ch
}
