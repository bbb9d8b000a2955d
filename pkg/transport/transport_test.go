package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"

	"github.com/pitaya-cluster/pitaya/pkg/clusterproto"
)

// startTestServer starts an in-process NATS server for testing, mirroring
// the fixture used by the capabilities registry's own integration tests.
func startTestServer(t *testing.T, port int) (*comms.Conn, func()) {
	t.Helper()

	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("transport_test - failed to create server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("transport_test - server failed to start")
	}

	nc, err := comms.Connect(ns.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		ns.Shutdown()
		t.Fatalf("transport_test - failed to connect: %v", err)
	}

	cleanup := func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	}

	return nc, cleanup
}

func TestRequest_Reply(t *testing.T) {
	nc, cleanup := startTestServer(t, 14231)
	defer cleanup()

	tr := New(nc, 8)

	sub, err := nc.Subscribe("greet", func(msg *comms.Msg) {
		msg.Respond([]byte("hello"))
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	data, err := tr.Request(context.Background(), "greet", []byte("hi"), time.Second)
	if err != nil {
		t.Fatalf("Request returned error: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("got %q, want %q", data, "hello")
	}
}

func TestRequest_TimesOut(t *testing.T) {
	nc, cleanup := startTestServer(t, 14232)
	defer cleanup()

	tr := New(nc, 8)

	sub, err := nc.Subscribe("silent", func(*comms.Msg) {
		time.Sleep(500 * time.Millisecond)
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	start := time.Now()
	_, err = tr.Request(context.Background(), "silent", []byte("hi"), 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Errorf("expected request to fail quickly, took %v", elapsed)
	}
}

func TestRequest_Backpressure(t *testing.T) {
	nc, cleanup := startTestServer(t, 14233)
	defer cleanup()

	tr := New(nc, 1)

	// Hold the one pending slot.
	if !tr.pending.TryAcquire(1) {
		t.Fatal("expected to acquire the sole pending slot")
	}
	defer tr.pending.Release(1)

	_, err := tr.Request(context.Background(), "anything", []byte("hi"), time.Second)
	if err == nil {
		t.Fatal("expected Backpressure error")
	}
}

func TestSubscribe_WorkerPoolBackpressure(t *testing.T) {
	nc, cleanup := startTestServer(t, 14234)
	defer cleanup()

	tr := New(nc, 8)

	release := make(chan struct{})
	entered := make(chan struct{}, 2)

	sub, err := tr.Subscribe("busy.test", 2, func(_ context.Context, d Delivery) {
		entered <- struct{}{}
		<-release
		resp := &clusterproto.Response{Data: []byte("ok")}
		data, _ := json.Marshal(resp)
		nc.Publish(d.Reply, data)
	})
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer sub.Unsubscribe()

	// Two requests fill the worker pool.
	go nc.Request("busy.test", []byte("1"), time.Second)
	go nc.Request("busy.test", []byte("2"), time.Second)
	<-entered
	<-entered

	// Third request should be rejected with PIT-503 immediately.
	msg, err := nc.Request("busy.test", []byte("3"), 2*time.Second)
	if err != nil {
		t.Fatalf("third request failed transport-level: %v", err)
	}
	var resp clusterproto.Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatalf("failed to decode busy response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != "PIT-503" {
		t.Errorf("expected PIT-503 busy reply, got %+v", resp)
	}

	close(release)
}
