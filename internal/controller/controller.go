// Package controller implements the event loop described in §4.G: it
// multiplexes the client and worker UDP endpoints, dispatches datagrams to
// the registry/tracker/reassembler, and runs the periodic maintenance
// sweep.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/arkose-cluster/headctl/internal/config"
	"github.com/arkose-cluster/headctl/internal/observability"
	"github.com/arkose-cluster/headctl/internal/protocol"
	"github.com/arkose-cluster/headctl/internal/ratelimit"
	"github.com/arkose-cluster/headctl/internal/reassembly"
	"github.com/arkose-cluster/headctl/internal/registry"
	"github.com/arkose-cluster/headctl/internal/stats"
	"github.com/arkose-cluster/headctl/internal/tracker"
	"github.com/arkose-cluster/headctl/internal/transport"
)

// pollTimeout bounds each Recv call so the loop alternates endpoints
// responsively instead of blocking on one of them.
const pollTimeout = time.Millisecond

// DefaultMaintenanceInterval is how often prune_stale/expire/sweep_stale
// run when none is configured.
const DefaultMaintenanceInterval = 5 * time.Second

// Heartbeat flood protection: one token bucket per source address, refilled
// continuously so a single worker can't starve the worker endpoint's poll
// loop with a heartbeat storm.
const (
	heartbeatRateLimit = 5.0 // heartbeats per second
	heartbeatRateBurst = 10
)

// Controller owns both datagram endpoints and the routing state between
// them. It has no notion of its own identity beyond the sockets it binds.
type Controller struct {
	cfg                 config.Config
	maintenanceInterval time.Duration
	clientEP            *transport.Endpoint
	workerEP            *transport.Endpoint
	registry            *registry.Registry
	tracker             *tracker.Tracker
	reassembler         *reassembly.Assembler
	logger              *observability.Logger
	metrics             *observability.Metrics
	stats               *stats.Counters

	limiterMu sync.Mutex
	limiters  map[string]*ratelimit.TokenBucket

	tracer  trace.Tracer
	spanMu  sync.Mutex
	spans   map[uint32]trace.Span

	wg sync.WaitGroup
}

// New constructs a Controller. Call Start to bind sockets and run.
func New(cfg config.Config, logger *observability.Logger, metrics *observability.Metrics) *Controller {
	return &Controller{
		cfg:                 cfg,
		maintenanceInterval: DefaultMaintenanceInterval,
		registry:            registry.New(cfg.WorkerTimeout),
		tracker:             tracker.New(cfg.RequestTimeout, cfg.MaxPending),
		reassembler:         reassembly.New(cfg.RequestTimeout),
		logger:              logger,
		metrics:             metrics,
		stats:               &stats.Counters{},
		limiters:            make(map[string]*ratelimit.TokenBucket),
		tracer:              otel.Tracer("headctl/controller"),
		spans:               make(map[uint32]trace.Span),
	}
}

// startTaskSpan opens the per-dispatch span described in §4.G's tracing
// wiring: one span that lives from dispatch until completion or expiry.
func (c *Controller) startTaskSpan(sequence uint32, workerIP string, workerPort int) {
	_, span := c.tracer.Start(context.Background(), "task.dispatch", trace.WithAttributes(
		attribute.Int64("sequence", int64(sequence)),
		attribute.String("worker.ip", workerIP),
		attribute.Int("worker.port", workerPort),
	))
	c.spanMu.Lock()
	c.spans[sequence] = span
	c.spanMu.Unlock()
}

// endTaskSpan closes the span for sequence, if one is open, tagging it with
// the outcome event name ("task.complete" or "task.expire").
func (c *Controller) endTaskSpan(sequence uint32, event string, success bool) {
	c.spanMu.Lock()
	span, ok := c.spans[sequence]
	if ok {
		delete(c.spans, sequence)
	}
	c.spanMu.Unlock()
	if !ok {
		return
	}
	span.AddEvent(event)
	span.SetAttributes(attribute.Bool("success", success))
	span.End()
}

// allowHeartbeat applies per-source-address flood protection to inbound
// heartbeats, lazily creating a bucket the first time an address is seen.
func (c *Controller) allowHeartbeat(ip string) bool {
	c.limiterMu.Lock()
	bucket, ok := c.limiters[ip]
	if !ok {
		bucket = ratelimit.NewTokenBucket(heartbeatRateLimit, heartbeatRateBurst)
		c.limiters[ip] = bucket
	}
	c.limiterMu.Unlock()
	return bucket.Allow(1)
}

// Registry exposes the worker registry for the observability surface.
func (c *Controller) Registry() *registry.Registry { return c.registry }

// Tracker exposes the request tracker for the observability surface.
func (c *Controller) Tracker() *tracker.Tracker { return c.tracker }

// Stats exposes the process-wide message/byte/task counters for the
// observability surface.
func (c *Controller) Stats() *stats.Counters { return c.stats }

// Start binds the client and worker endpoints and runs the dispatch and
// maintenance loops until ctx is cancelled. It returns once every loop has
// drained.
func (c *Controller) Start(ctx context.Context) error {
	clientEP, err := transport.Listen(fmt.Sprintf(":%d", c.cfg.ClientPort), c.cfg.ReusePort)
	if err != nil {
		return fmt.Errorf("controller: bind client port: %w", err)
	}
	c.clientEP = clientEP

	workerEP, err := transport.Listen(fmt.Sprintf(":%d", c.cfg.WorkerPort), c.cfg.ReusePort)
	if err != nil {
		clientEP.Close()
		return fmt.Errorf("controller: bind worker port: %w", err)
	}
	c.workerEP = workerEP

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.runWorkerLoop(gctx) })
	g.Go(func() error { return c.runClientLoop(gctx) })
	g.Go(func() error { return c.runMaintenance(gctx) })

	err = g.Wait()
	c.clientEP.Close()
	c.workerEP.Close()
	return err
}

// Shutdown waits, bounded by ctx, for every handler goroutine started by
// Start to finish processing its current datagram. The caller is expected
// to have already cancelled Start's context so the dispatch loops stop
// picking up new work; Shutdown only covers the drain of work already
// in flight.
func (c *Controller) Shutdown(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) runWorkerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		dg, ok, err := c.workerEP.Recv(pollTimeout)
		if err != nil {
			c.logger.Error(err, "worker endpoint recv failed")
			continue
		}
		if !ok {
			continue
		}
		c.wg.Add(1)
		func() {
			defer c.wg.Done()
			c.handleWorkerMessage(dg.Message, dg.Addr)
		}()
	}
}

func (c *Controller) runClientLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		dg, ok, err := c.clientEP.Recv(pollTimeout)
		if err != nil {
			c.logger.Error(err, "client endpoint recv failed")
			continue
		}
		if !ok {
			continue
		}
		c.wg.Add(1)
		func() {
			defer c.wg.Done()
			c.handleClientMessage(dg.Message, dg.Addr)
		}()
	}
}

func (c *Controller) runMaintenance(ctx context.Context) error {
	ticker := time.NewTicker(c.maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.runMaintenanceOnce()
		}
	}
}

func (c *Controller) runMaintenanceOnce() {
	if pruned := c.registry.PruneStale(); pruned > 0 {
		c.logger.Warn(fmt.Sprintf("pruned %d stale workers", pruned))
		for i := 0; i < pruned; i++ {
			c.metrics.RecordWorkerPruned()
		}
	}
	for _, req := range c.tracker.Expire() {
		c.logger.RequestExpired(req.Sequence, req.Worker.IP, req.Worker.Port)
		c.metrics.RecordTaskExpired()
		c.stats.RecordTaskFailed()
		c.endTaskSpan(req.Sequence, "task.expire", false)
	}
	if swept := c.reassembler.SweepStale(); swept > 0 {
		c.logger.ChunkSweepStale(swept)
		for i := 0; i < swept; i++ {
			c.metrics.RecordReassemblyStaleDropped()
		}
	}
	c.metrics.SetWorkersHealthy(c.registry.Snapshot().HealthyWorkers)
	c.metrics.SetTasksPending(c.tracker.Snapshot().Pending)
}

func (c *Controller) handleWorkerMessage(msg protocol.Message, addr *net.UDPAddr) {
	c.metrics.RecordDatagramReceived(msg.Type.String(), len(msg.Payload))
	c.stats.RecordReceived(len(msg.Payload))

	switch msg.Type {
	case protocol.TypeHeartbeat:
		c.handleHeartbeat(msg, addr)
	case protocol.TypeResult:
		c.handleWorkerResult(msg, addr, true)
	case protocol.TypeChunk:
		c.handleWorkerChunk(msg, addr)
	case protocol.TypeError:
		c.handleWorkerError(msg, addr)
	default:
		c.logger.Warn(fmt.Sprintf("worker endpoint: unhandled message type %s", msg.Type))
	}
}

func (c *Controller) handleHeartbeat(msg protocol.Message, addr *net.UDPAddr) {
	if !c.allowHeartbeat(addr.IP.String()) {
		c.logger.Warn(fmt.Sprintf("heartbeat rate limit exceeded for %s, dropping", addr.IP.String()))
		return
	}

	port, err := strconv.Atoi(string(msg.Payload))
	if err != nil {
		c.logger.Warn(fmt.Sprintf("malformed heartbeat from %s: %v", addr, err))
		return
	}

	waddr := registry.Addr{IP: addr.IP.String(), Port: port}
	if isNew := c.registry.Register(waddr); isNew {
		c.logger.WorkerRegistered(waddr.IP, waddr.Port)
		c.metrics.RecordWorkerRegistered()
	}
	c.metrics.RecordHeartbeat()
}

// handleWorkerResult completes the pending request for msg.Sequence and
// forwards a RESULT datagram to the originating client. success is passed
// through to the registry and the counters; both callers (a RESULT datagram
// and a completed CHUNK reassembly) pass true. ERROR datagrams are handled
// by handleWorkerError instead.
func (c *Controller) handleWorkerResult(msg protocol.Message, addr *net.UDPAddr, success bool) {
	req, ok := c.tracker.Complete(msg.Sequence)
	if !ok {
		c.logger.Warn(fmt.Sprintf("orphan RESULT for sequence %d", msg.Sequence))
		return
	}

	latency := time.Since(req.DispatchedAt)
	workerAddr := registry.Addr{IP: req.Worker.IP, Port: req.Worker.Port}
	c.registry.Complete(workerAddr, float64(latency.Microseconds())/1000.0, success)
	c.metrics.RecordTaskCompleted(latency.Seconds())
	c.logger.TaskCompleted(msg.Sequence, latency, success)
	if success {
		c.stats.RecordTaskProcessed()
	} else {
		c.stats.RecordTaskFailed()
	}
	c.endTaskSpan(msg.Sequence, "task.complete", success)

	c.forwardToClient(msg.Sequence, msg.Type, msg.Payload, req.Client)
}

func (c *Controller) handleWorkerChunk(msg protocol.Message, addr *net.UDPAddr) {
	c.metrics.RecordChunkReceived()

	chunk, ok := protocol.DecodeChunkPayload(msg.Payload)
	if !ok {
		c.logger.Warn(fmt.Sprintf("malformed CHUNK payload for sequence %d", msg.Sequence))
		return
	}

	result, done := c.reassembler.Ingest(msg.Sequence, chunk)
	if !done {
		return
	}

	c.metrics.RecordReassembly(true)
	resultMsg := protocol.New(protocol.TypeResult, result.Sequence, result.Data)
	c.handleWorkerResult(resultMsg, addr, true)
}

func (c *Controller) handleWorkerError(msg protocol.Message, addr *net.UDPAddr) {
	req, ok := c.tracker.Complete(msg.Sequence)
	if !ok {
		c.logger.Warn(fmt.Sprintf("orphan ERROR for sequence %d", msg.Sequence))
		return
	}

	workerAddr := registry.Addr{IP: req.Worker.IP, Port: req.Worker.Port}
	c.registry.Complete(workerAddr, 0, false)
	c.logger.TaskCompleted(msg.Sequence, time.Since(req.DispatchedAt), false)
	c.stats.RecordTaskFailed()
	c.endTaskSpan(msg.Sequence, "task.complete", false)

	c.forwardToClient(msg.Sequence, protocol.TypeError, msg.Payload, req.Client)
}

func (c *Controller) forwardToClient(sequence uint32, msgType protocol.MessageType, payload []byte, client tracker.ClientAddr) {
	addr := &net.UDPAddr{IP: net.ParseIP(client.IP), Port: client.Port}
	if len(payload) > transport.SafeDatagramPayload {
		if err := c.clientEP.SendChunked(sequence, payload, addr); err != nil {
			c.logger.Error(err, "failed to forward chunked result to client")
			return
		}
	} else {
		msg := protocol.New(msgType, sequence, payload)
		if err := c.clientEP.Send(msg, addr); err != nil {
			c.logger.Error(err, "failed to forward result to client")
			return
		}
	}
	c.metrics.RecordDatagramSent(msgType.String(), len(payload))
	c.stats.RecordSent(len(payload))
}

func (c *Controller) handleClientMessage(msg protocol.Message, addr *net.UDPAddr) {
	c.metrics.RecordDatagramReceived(msg.Type.String(), len(msg.Payload))
	c.stats.RecordReceived(len(msg.Payload))

	switch msg.Type {
	case protocol.TypeTask:
		c.handleTask(msg, addr)
	case protocol.TypeHealth:
		c.handleHealthRequest(msg, addr)
	default:
		// Unknown message types on the client endpoint are ignored per §4.G.
	}
}

func (c *Controller) handleTask(msg protocol.Message, addr *net.UDPAddr) {
	correlationID := uuid.New().String()

	worker, ok := c.registry.Pick(true)
	if !ok {
		c.logger.RequestRejected(msg.Sequence, "no_workers")
		c.metrics.RecordTaskRejected("no_workers")
		c.sendError(msg.Sequence, protocol.ErrCodeNoWorkers, "no workers available", addr)
		return
	}

	client := tracker.ClientAddr{IP: addr.IP.String(), Port: addr.Port}
	workerAddr := tracker.WorkerAddr{IP: worker.IP, Port: worker.Port}
	if err := c.tracker.Add(msg.Sequence, client, workerAddr, len(msg.Payload)); err != nil {
		c.logger.RequestRejected(msg.Sequence, "worker_busy")
		c.metrics.RecordTaskRejected("worker_busy")
		c.sendError(msg.Sequence, protocol.ErrCodeWorkerBusy, err.Error(), addr)
		return
	}

	c.registry.Assign(worker, msg.Sequence)
	workerUDP := &net.UDPAddr{IP: net.ParseIP(worker.IP), Port: worker.Port}
	if err := c.workerEP.Send(msg, workerUDP); err != nil {
		c.logger.Error(err, "failed to dispatch task to worker")
		return
	}

	c.logger.TaskDispatched(msg.Sequence, worker.IP, worker.Port, len(msg.Payload))
	c.metrics.RecordDatagramSent(msg.Type.String(), len(msg.Payload))
	c.stats.RecordSent(len(msg.Payload))
	c.metrics.RecordTaskDispatched(true)
	c.startTaskSpan(msg.Sequence, worker.IP, worker.Port)
	c.logger.WithSequence(msg.Sequence).Debug("dispatch correlation id " + correlationID)
}

func (c *Controller) handleHealthRequest(msg protocol.Message, addr *net.UDPAddr) {
	snap := c.registry.Snapshot()
	body, err := json.Marshal(snap)
	if err != nil {
		c.logger.Error(err, "failed to marshal registry snapshot")
		return
	}
	reply := protocol.New(protocol.TypeHealth, msg.Sequence, body)
	if err := c.clientEP.Send(reply, addr); err != nil {
		c.logger.Error(err, "failed to send HEALTH reply")
		return
	}
	c.metrics.RecordDatagramSent(protocol.TypeHealth.String(), len(body))
	c.stats.RecordSent(len(body))
}

func (c *Controller) sendError(sequence uint32, code protocol.ErrorCode, message string, addr *net.UDPAddr) {
	msg := protocol.New(protocol.TypeError, sequence, protocol.EncodeError(code, message))
	if err := c.clientEP.Send(msg, addr); err != nil {
		c.logger.Error(err, "failed to send ERROR to client")
		return
	}
	c.metrics.RecordDatagramSent(protocol.TypeError.String(), len(msg.Payload))
	c.stats.RecordSent(len(msg.Payload))
}
