package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
)

// RelayError is a failure inside an established tunnel. The session ends;
// nothing is retried because bytes already reached the other side.
type RelayError struct {
	Direction string
	Err       error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay %s failed: %v", e.Direction, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

type closeWriter interface {
	CloseWrite() error
}

// relay copies in both directions until both sides are done. EOF from one
// side is passed on as a half-close so the other can finish its reply. Any
// copy error tears down both connections. fromClient carries bytes already
// buffered from client.
func relay(ctx context.Context, client net.Conn, fromClient io.Reader, up net.Conn) (sent, received int64, err error) {
	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	stop := context.AfterFunc(ctx, func() {
		client.Close()
		up.Close()
	})
	defer stop()

	copyHalf := func(direction string, dst net.Conn, src io.Reader, n *int64) {
		defer wg.Done()
		written, copyErr := io.Copy(dst, src)
		*n = written
		if copyErr != nil {
			errCh <- &RelayError{Direction: direction, Err: copyErr}
			return
		}
		if cw, ok := dst.(closeWriter); ok {
			_ = cw.CloseWrite()
		}
		errCh <- nil
	}

	wg.Add(2)
	go copyHalf("client->upstream", up, fromClient, &sent)
	go copyHalf("upstream->client", client, up, &received)

	for i := 0; i < 2; i++ {
		if e := <-errCh; e != nil && err == nil {
			err = e
			client.Close()
			up.Close()
		}
	}
	wg.Wait()

	if ctx.Err() != nil {
		err = ctx.Err()
	}
	return sent, received, err
}
