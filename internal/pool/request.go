package pool

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/cryguy/edgeruntime/internal/bridge"
)

// roundTrip writes req on conn and reads the response. The response body
// reports through sender once it has been read to the end (SyncRecv) or
// abandoned (SyncDone), which lets the worker side close its end.
func roundTrip(ctx context.Context, conn net.Conn, sender *bridge.SyncSender, req *http.Request) (*http.Response, error) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	fail := func(err error) (*http.Response, error) {
		stop()
		_ = sender.Send(bridge.SyncDone)
		sender.Close()
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	out := req.Clone(ctx)
	out.Close = true
	if out.URL.Host == "" {
		out.URL.Host = "worker"
	}
	if out.Host == "" {
		out.Host = out.URL.Host
	}
	if err := out.Write(conn); err != nil {
		return fail(err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), out)
	if err != nil {
		return fail(err)
	}
	resp.Body = &trackedBody{ReadCloser: resp.Body, conn: conn, sender: sender, stop: stop}
	return resp, nil
}

type trackedBody struct {
	io.ReadCloser
	conn   net.Conn
	sender *bridge.SyncSender
	stop   func() bool
	once   sync.Once
}

func (b *trackedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err == io.EOF {
		b.finish(bridge.SyncRecv)
	}
	return n, err
}

func (b *trackedBody) Close() error {
	b.finish(bridge.SyncDone)
	err := b.ReadCloser.Close()
	b.stop()
	_ = b.conn.Close()
	return err
}

func (b *trackedBody) finish(state bridge.ConnSync) {
	b.once.Do(func() {
		_ = b.sender.Send(state)
		b.sender.Close()
	})
}
