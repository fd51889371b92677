package gateway

import (
	"context"
	"io"
)

// readUpstreamChunks reads body in a dedicated goroutine and delivers chunks
// over a channel, mirroring the teacher's ForwardStream data/error-channel
// shape so the consuming select can race a blocked Read against client
// context cancellation. data closes (without a following error) on a clean
// EOF; a non-nil value on errs always precedes data's close.
func readUpstreamChunks(ctx context.Context, body io.Reader) (<-chan []byte, <-chan error) {
	data := make(chan []byte)
	errs := make(chan error, 1)

	go func() {
		defer close(data)
		buf := make([]byte, 32*1024)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case data <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					errs <- err
				}
				return
			}
		}
	}()

	return data, errs
}
