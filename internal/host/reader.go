package host

import (
	"errors"
	"io"
	"net"
)

const readBufferSize = 32 << 10

// chunk is one read from a connection. A nil data with a non-nil err ends
// the stream; io.EOF is reported as is.
type chunk struct {
	id   string
	data []byte
	err  error
}

// readChunks forwards everything read from conn to out until conn fails or
// quit closes. Each chunk owns its data.
func readChunks(id string, conn net.Conn, out chan<- chunk, quit <-chan struct{}) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case <-quit:
				return
			case out <- chunk{id: id, data: data}:
			}
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = io.EOF
			}
			select {
			case <-quit:
			case out <- chunk{id: id, err: err}:
			}
			return
		}
	}
}
