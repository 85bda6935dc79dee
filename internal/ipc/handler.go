package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aatumaykin/pipetimer/internal/errors"
	"github.com/aatumaykin/pipetimer/internal/logger"
	"github.com/aatumaykin/pipetimer/internal/pipeline"
	"github.com/aatumaykin/pipetimer/internal/schedule"
)

const (
	readTimeout   = 5 * time.Second
	defaultTimers = 5
	maxTimers     = 100
)

// Scheduler is the part of *schedule.Scheduler the handler needs.
type Scheduler interface {
	Status() schedule.Status
	Trigger(ctx context.Context) (<-chan schedule.TriggerResult, error)
	Upcoming(n int) []time.Time
}

// PipelineStatus is implemented by *pipeline.Pipeline.
type PipelineStatus interface {
	Status() pipeline.Status
}

// Options configures a Handler.
type Options struct {
	Scheduler Scheduler
	Pipeline  PipelineStatus
	Instance  string
	StartedAt time.Time
	// TriggerEvery and TriggerBurst rate-limit manual triggers. A zero
	// TriggerEvery disables the limit.
	TriggerEvery time.Duration
	TriggerBurst int
	Logger       *logger.Logger
}

// Handler serves IPC requests.
type Handler struct {
	opts    Options
	logger  *logger.Logger
	limiter *rate.Limiter
	socket  net.Listener
	wg      sync.WaitGroup
}

// NewHandler creates a Handler.
func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.TriggerBurst < 1 {
		opts.TriggerBurst = 1
	}
	limit := rate.Inf
	if opts.TriggerEvery > 0 {
		limit = rate.Every(opts.TriggerEvery)
	}
	return &Handler{
		opts:    opts,
		logger:  opts.Logger.With(logger.Field{Key: "component", Value: "ipc"}),
		limiter: rate.NewLimiter(limit, opts.TriggerBurst),
	}
}

// Serve listens on socketPath and handles connections until ctx is done,
// then closes the listener and removes the socket.
func (h *Handler) Serve(ctx context.Context, socketPath string) error {
	if err := h.listen(socketPath); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() { _ = h.socket.Close() })
	defer stop()

	h.logger.Info("IPC server started", logger.Field{Key: "socket", Value: socketPath})
	h.acceptConnections(ctx)
	h.wg.Wait()

	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		h.logger.Warn("failed to remove socket", logger.Field{Key: "error", Value: err.Error()})
	}
	h.logger.Info("IPC server stopped")
	return nil
}

func (h *Handler) listen(socketPath string) error {
	// a previous daemon may have left its socket behind
	if _, err := os.Stat(socketPath); err == nil {
		os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to restrict socket permissions: %w", err)
	}
	h.socket = listener
	return nil
}

func (h *Handler) acceptConnections(ctx context.Context) {
	for {
		conn, err := h.socket.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			h.logger.Error("failed to accept connection", err)
			continue
		}

		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.handleConnection(ctx, conn)
		}()
	}
}

func (h *Handler) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		h.send(conn, Response{Error: fmt.Sprintf("failed to decode request: %v", err)})
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	h.logger.Debug("ipc request", logger.Field{Key: "type", Value: req.Type})
	h.send(conn, h.Handle(ctx, req))
}

// Handle answers one request.
func (h *Handler) Handle(ctx context.Context, req Request) Response {
	switch req.Type {
	case TypeStatus:
		return Response{Success: true, Status: h.Snapshot()}
	case TypeTimers:
		n := req.Count
		if n <= 0 {
			n = defaultTimers
		}
		n = min(n, maxTimers)
		return Response{Success: true, Timers: h.opts.Scheduler.Upcoming(n)}
	case TypeTrigger:
		return h.trigger(ctx, req)
	default:
		return Response{Error: fmt.Sprintf("unknown request type: %s", req.Type)}
	}
}

// Snapshot describes the running daemon.
func (h *Handler) Snapshot() *StatusReply {
	st := &StatusReply{
		PID:       os.Getpid(),
		Instance:  h.opts.Instance,
		StartedAt: h.opts.StartedAt,
		Scheduler: h.opts.Scheduler.Status(),
	}
	if h.opts.Pipeline != nil {
		st.Pipeline = h.opts.Pipeline.Status()
	}
	return st
}

func (h *Handler) trigger(ctx context.Context, req Request) Response {
	r := h.limiter.Reserve()
	if d := r.Delay(); d > 0 {
		r.Cancel()
		h.logger.Warn("manual trigger rate limited", logger.Field{Key: "retry_in", Value: d.String()})
		return Response{Error: fmt.Sprintf("manual trigger rate limited, retry in %s", d.Round(time.Second))}
	}

	result, err := h.opts.Scheduler.Trigger(ctx)
	if err != nil {
		return Response{Error: fmt.Sprintf("trigger failed: %v", err)}
	}
	h.logger.Info("manual trigger accepted", logger.Field{Key: "wait", Value: req.Wait})

	reply := &TriggerReply{Accepted: true}
	if !req.Wait {
		return Response{Success: true, Trigger: reply}
	}

	select {
	case res := <-result:
		if res.Err != nil {
			reply.Error = res.Err.Error()
		}
		if res.Outcome.Ran() {
			out := res.Outcome
			reply.Outcome = &out
			reply.Completed = true
		}
	case <-ctx.Done():
		reply.Error = "daemon shutting down"
	}
	return Response{Success: true, Trigger: reply}
}

func (h *Handler) send(conn net.Conn, resp Response) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		h.logger.Error("failed to send response", err)
	}
}
