package ipc

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/aatumaykin/pipetimer/internal/errors"
)

// ErrUnavailable marks a failure to reach the daemon socket.
var ErrUnavailable = errors.New("daemon not reachable")

// Call sends req to the daemon at socketPath and returns its response. A
// response with Success=false is returned along with an error carrying its
// message.
func Call(ctx context.Context, socketPath string, req Request) (*Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "dial %s", socketPath), ErrUnavailable)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, errors.Wrap(err, "send request")
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		if ctx.Err() != nil {
			return nil, errors.WithStack(ctx.Err())
		}
		return nil, errors.Wrap(err, "read response")
	}
	if !resp.Success {
		return &resp, errors.Newf("daemon: %s", resp.Error)
	}
	return &resp, nil
}

// Status asks the daemon for its status.
func Status(ctx context.Context, socketPath string) (*StatusReply, error) {
	resp, err := Call(ctx, socketPath, Request{Type: TypeStatus})
	if err != nil {
		return nil, err
	}
	if resp.Status == nil {
		return nil, errors.New("daemon returned no status")
	}
	return resp.Status, nil
}

// Trigger requests a manual fire. With wait it blocks until the fire
// completes or is dropped.
func Trigger(ctx context.Context, socketPath string, wait bool) (*TriggerReply, error) {
	resp, err := Call(ctx, socketPath, Request{Type: TypeTrigger, Wait: wait})
	if err != nil {
		return nil, err
	}
	if resp.Trigger == nil {
		return nil, errors.New("daemon returned no trigger result")
	}
	return resp.Trigger, nil
}

// Timers returns the next n fire times computed by the daemon.
func Timers(ctx context.Context, socketPath string, n int) ([]time.Time, error) {
	resp, err := Call(ctx, socketPath, Request{Type: TypeTimers, Count: n})
	if err != nil {
		return nil, err
	}
	return resp.Timers, nil
}
