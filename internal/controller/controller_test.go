package controller

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arkose-cluster/headctl/internal/config"
	"github.com/arkose-cluster/headctl/internal/observability"
	"github.com/arkose-cluster/headctl/internal/protocol"
)

func newTestController(t *testing.T, cfg config.Config) (*Controller, func()) {
	t.Helper()
	logger := observability.NewLogger("headctl-test", "test", io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	ctrl := New(cfg, logger, metrics)
	ctrl.maintenanceInterval = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- ctrl.Start(ctx) }()

	// Wait for both endpoints to come up before the caller sends anything.
	deadline := time.Now().Add(2 * time.Second)
	for ctrl.clientEP == nil || ctrl.workerEP == nil {
		if time.Now().After(deadline) {
			t.Fatal("controller did not bind its endpoints in time")
		}
		time.Sleep(time.Millisecond)
	}

	return ctrl, func() {
		cancel()
		<-errCh
	}
}

func listenOn(t *testing.T, addr string) *net.UDPConn {
	t.Helper()
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatalf("ResolveUDPAddr failed: %v", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	return conn
}

func recvMessage(t *testing.T, conn *net.UDPConn, timeout time.Duration) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 65535)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	msg, ok := protocol.Decode(buf[:n])
	if !ok {
		t.Fatal("Decode failed on received datagram")
	}
	return msg
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.ClientPort = 0
	cfg.WorkerPort = 0
	cfg.RequestTimeout = 200 * time.Millisecond
	cfg.WorkerTimeout = 200 * time.Millisecond
	return cfg
}

func bindEphemeral(t *testing.T, ctrl *Controller) (clientAddr, workerAddr *net.UDPAddr) {
	t.Helper()
	return ctrl.clientEP.LocalAddr(), ctrl.workerEP.LocalAddr()
}

func TestHappyPathSmallPayload(t *testing.T) {
	ctrl, stop := newTestController(t, testConfig())
	defer stop()

	clientAddr, workerAddr := bindEphemeral(t, ctrl)

	worker := listenOn(t, "127.0.0.1:0")
	defer worker.Close()
	workerPort := worker.LocalAddr().(*net.UDPAddr).Port

	client := listenOn(t, "127.0.0.1:0")
	defer client.Close()

	// Register the worker via heartbeat.
	hb := protocol.Encode(protocol.New(protocol.TypeHeartbeat, 0, []byte(strconv.Itoa(workerPort))))
	if _, err := worker.WriteToUDP(hb, workerAddr); err != nil {
		t.Fatalf("failed to send heartbeat: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	// Client sends a TASK.
	task := protocol.Encode(protocol.New(protocol.TypeTask, 1, []byte("hi")))
	if _, err := client.WriteToUDP(task, clientAddr); err != nil {
		t.Fatalf("failed to send task: %v", err)
	}

	// Worker should receive the forwarded TASK.
	received := recvMessage(t, worker, time.Second)
	if received.Type != protocol.TypeTask || received.Sequence != 1 || string(received.Payload) != "hi" {
		t.Fatalf("worker received unexpected message: %+v", received)
	}

	// Worker replies with a RESULT.
	result := protocol.Encode(protocol.New(protocol.TypeResult, 1, []byte("HI")))
	if _, err := worker.WriteToUDP(result, workerAddr); err != nil {
		t.Fatalf("failed to send result: %v", err)
	}

	// Client should receive the RESULT.
	delivered := recvMessage(t, client, time.Second)
	if delivered.Type != protocol.TypeResult || delivered.Sequence != 1 || string(delivered.Payload) != "HI" {
		t.Fatalf("client received unexpected message: %+v", delivered)
	}

	snap := ctrl.Registry().Snapshot()
	if len(snap.Workers) != 1 || snap.Workers[0].TasksCompleted != 1 {
		t.Fatalf("unexpected registry snapshot after happy path: %+v", snap)
	}
}

func TestNoWorkersYieldsError(t *testing.T) {
	ctrl, stop := newTestController(t, testConfig())
	defer stop()

	clientAddr, _ := bindEphemeral(t, ctrl)

	client := listenOn(t, "127.0.0.1:0")
	defer client.Close()

	task := protocol.Encode(protocol.New(protocol.TypeTask, 7, []byte("work")))
	if _, err := client.WriteToUDP(task, clientAddr); err != nil {
		t.Fatalf("failed to send task: %v", err)
	}

	reply := recvMessage(t, client, time.Second)
	if reply.Type != protocol.TypeError || reply.Sequence != 7 {
		t.Fatalf("expected ERROR for sequence 7, got %+v", reply)
	}
	code, _, ok := protocol.DecodeError(reply.Payload)
	if !ok || code != protocol.ErrCodeNoWorkers {
		t.Fatalf("expected NO_WORKERS error code, got %v (ok=%v)", code, ok)
	}

	if snap := ctrl.Tracker().Snapshot(); snap.Pending != 0 {
		t.Fatalf("tracker should remain empty, got pending=%d", snap.Pending)
	}
}

func TestRequestExpiresWithoutWorkerReply(t *testing.T) {
	cfg := testConfig()
	ctrl, stop := newTestController(t, cfg)
	defer stop()

	clientAddr, workerAddr := bindEphemeral(t, ctrl)

	worker := listenOn(t, "127.0.0.1:0")
	defer worker.Close()
	workerPort := worker.LocalAddr().(*net.UDPAddr).Port

	client := listenOn(t, "127.0.0.1:0")
	defer client.Close()

	hb := protocol.Encode(protocol.New(protocol.TypeHeartbeat, 0, []byte(strconv.Itoa(workerPort))))
	worker.WriteToUDP(hb, workerAddr)
	time.Sleep(50 * time.Millisecond)

	task := protocol.Encode(protocol.New(protocol.TypeTask, 12, []byte("never answered")))
	client.WriteToUDP(task, clientAddr)

	// Drain the forwarded TASK so the worker socket doesn't matter further;
	// the worker deliberately never replies.
	recvMessage(t, worker, time.Second)

	// Wait past RequestTimeout + maintenance tick for the expiry sweep.
	var pending int
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		pending = ctrl.Tracker().Snapshot().Pending
		if pending == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if pending != 0 {
		t.Fatalf("expected the expiry sweep to clear the pending request, still pending=%d", pending)
	}
}

func TestShutdownReturnsOnceHandlersDrain(t *testing.T) {
	ctrl, stop := newTestController(t, testConfig())
	defer stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown with no in-flight work should return nil, got %v", err)
	}
}

func TestShutdownTimesOutOnStuckHandler(t *testing.T) {
	ctrl, stop := newTestController(t, testConfig())
	defer stop()

	// Simulate a handler that never finishes.
	ctrl.wg.Add(1)
	defer ctrl.wg.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := ctrl.Shutdown(shutdownCtx)
	if err == nil {
		t.Fatal("expected Shutdown to time out while a handler is stuck")
	}
}

func TestHeartbeatRateLimitDropsExcess(t *testing.T) {
	ctrl, stop := newTestController(t, testConfig())
	defer stop()

	allowed := 0
	for i := 0; i < heartbeatRateBurst+5; i++ {
		if ctrl.allowHeartbeat("127.0.0.1") {
			allowed++
		}
	}
	if allowed != heartbeatRateBurst {
		t.Fatalf("expected exactly %d allowed heartbeats within burst, got %d", heartbeatRateBurst, allowed)
	}

	if ctrl.allowHeartbeat("127.0.0.2") == false {
		t.Fatal("a distinct source address should have its own, unexhausted bucket")
	}
}

func TestStaleWorkerIsEvictedAndTaskThenFails(t *testing.T) {
	cfg := testConfig()
	ctrl, stop := newTestController(t, cfg)
	defer stop()

	clientAddr, workerAddr := bindEphemeral(t, ctrl)

	worker := listenOn(t, "127.0.0.1:0")
	defer worker.Close()
	workerPort := worker.LocalAddr().(*net.UDPAddr).Port

	client := listenOn(t, "127.0.0.1:0")
	defer client.Close()

	hb := protocol.Encode(protocol.New(protocol.TypeHeartbeat, 0, []byte(strconv.Itoa(workerPort))))
	worker.WriteToUDP(hb, workerAddr)

	// Wait past WorkerTimeout for the pruning sweep, without sending any
	// further heartbeats.
	var healthy int
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		healthy = ctrl.Registry().Snapshot().HealthyWorkers
		if healthy == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if healthy != 0 {
		t.Fatalf("expected all workers pruned as stale, healthy=%d", healthy)
	}

	task := protocol.Encode(protocol.New(protocol.TypeTask, 99, []byte("work")))
	client.WriteToUDP(task, clientAddr)

	reply := recvMessage(t, client, time.Second)
	if reply.Type != protocol.TypeError {
		t.Fatalf("expected ERROR after worker eviction, got %+v", reply)
	}
	code, _, ok := protocol.DecodeError(reply.Payload)
	if !ok || code != protocol.ErrCodeNoWorkers {
		t.Fatalf("expected NO_WORKERS after eviction, got %v", code)
	}
}
