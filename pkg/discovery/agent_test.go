package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/pitaya-cluster/pitaya/pkg/clusterevents"
	"github.com/pitaya-cluster/pitaya/pkg/descriptor"
	"github.com/pitaya-cluster/pitaya/pkg/registry"
)

// fakeEtcdClient is an in-memory stand-in for *clientv3.Client good enough
// to exercise the Agent's grant/put/list/watch/keepalive paths without a
// live etcd server.
type fakeEtcdClient struct {
	mu       sync.Mutex
	kvs      map[string]string
	rev      int64
	leaseSeq int64
	watchers []chan clientv3.WatchResponse

	failGrant     bool
	failKeepalive bool
}

func newFakeEtcdClient() *fakeEtcdClient {
	return &fakeEtcdClient{kvs: make(map[string]string)}
}

func (f *fakeEtcdClient) Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error) {
	f.mu.Lock()
	fail := f.failGrant
	f.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("fake: grant unavailable")
	}
	f.mu.Lock()
	f.leaseSeq++
	id := f.leaseSeq
	f.mu.Unlock()
	return &clientv3.LeaseGrantResponse{ID: clientv3.LeaseID(id), TTL: ttl}, nil
}

func (f *fakeEtcdClient) KeepAliveOnce(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseKeepAliveResponse, error) {
	f.mu.Lock()
	fail := f.failKeepalive
	f.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("fake: keepalive unavailable")
	}
	return &clientv3.LeaseKeepAliveResponse{ID: id}, nil
}

func (f *fakeEtcdClient) Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error) {
	return &clientv3.LeaseRevokeResponse{}, nil
}

func (f *fakeEtcdClient) Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	f.kvs[key] = val
	f.rev++
	rev := f.rev
	watchers := append([]chan clientv3.WatchResponse(nil), f.watchers...)
	f.mu.Unlock()

	ev := &clientv3.Event{
		Type: mvccpb.PUT,
		Kv:   &mvccpb.KeyValue{Key: []byte(key), Value: []byte(val)},
	}
	wr := clientv3.WatchResponse{Events: []*clientv3.Event{ev}, Header: *mkHeader(rev)}
	for _, ch := range watchers {
		select {
		case ch <- wr:
		default:
		}
	}
	return &clientv3.PutResponse{}, nil
}

func (f *fakeEtcdClient) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	resp := &clientv3.GetResponse{Header: mkHeader(f.rev)}
	for k, v := range f.kvs {
		if len(k) >= len(key) && k[:len(key)] == key {
			resp.Kvs = append(resp.Kvs, &mvccpb.KeyValue{Key: []byte(k), Value: []byte(v)})
		}
	}
	return resp, nil
}

func (f *fakeEtcdClient) Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan {
	ch := make(chan clientv3.WatchResponse, 16)
	f.mu.Lock()
	f.watchers = append(f.watchers, ch)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

func (f *fakeEtcdClient) Close() error { return nil }

func mkHeader(rev int64) *etcdserverpb.ResponseHeader {
	return &etcdserverpb.ResponseHeader{Revision: rev}
}

func testConfig() Config {
	return Config{
		EtcdPrefix:         "pitaya",
		HeartbeatTTLSec:    3,
		LogServerSync:      true,
		MaxNumberOfRetries: 1,
	}
}

func testLocal(id string) descriptor.LocalServer {
	return descriptor.LocalServer{Descriptor: descriptor.ServerDescriptor{ID: id, Kind: "room", Hostname: "h1"}}
}

func TestAgent_StartPopulatesOwnServer(t *testing.T) {
	client := newFakeEtcdClient()
	reg := registry.New(nil)
	pub := clusterevents.NewChannelPublisher(4)

	a := New(testConfig(), client, false, testLocal("s1"), reg, pub, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer a.Stop(context.Background())

	if a.State() != StateActive {
		t.Fatalf("expected Active, got %s", a.State())
	}
	if _, ok := reg.ByID("room", "s1"); !ok {
		t.Fatalf("expected own server to be populated into registry")
	}
}

func TestAgent_StartFailsWhenGrantUnavailable(t *testing.T) {
	client := newFakeEtcdClient()
	client.failGrant = true
	reg := registry.New(nil)
	pub := clusterevents.NoOpPublisher{}

	a := New(testConfig(), client, false, testLocal("s1"), reg, pub, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Start(ctx); err == nil {
		t.Fatalf("expected Start to fail when lease grant is unavailable")
	}
	if a.State() != StateInit {
		t.Fatalf("expected state to roll back to Init, got %s", a.State())
	}
}

func TestAgent_WatchAppliesPeerPut(t *testing.T) {
	client := newFakeEtcdClient()
	reg := registry.New(nil)
	pub := clusterevents.NewChannelPublisher(4)

	a := New(testConfig(), client, false, testLocal("s1"), reg, pub, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer a.Stop(context.Background())

	peer := descriptor.ServerDescriptor{ID: "s2", Kind: "room", Hostname: "h2"}
	data, _ := json.Marshal(peer)
	if _, err := client.Put(ctx, serverKey("pitaya", "room", "s2"), string(data)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		if _, ok := reg.ByID("room", "s2"); ok {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for watch to apply peer put")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestAgent_KeepaliveDegradesAndRecovers(t *testing.T) {
	client := newFakeEtcdClient()
	reg := registry.New(nil)
	pub := clusterevents.NoOpPublisher{}

	var lostCount int
	var mu sync.Mutex
	cfg := testConfig()
	cfg.HeartbeatTTLSec = 1 // keepalive interval ~333ms

	a := New(cfg, client, false, testLocal("s1"), reg, pub, &Options{
		OnLeaseLost: func(err error) {
			mu.Lock()
			lostCount++
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer a.Stop(context.Background())

	client.mu.Lock()
	client.failKeepalive = true
	client.mu.Unlock()

	deadline := time.After(2 * time.Second)
	for a.State() != StateDegraded {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for Degraded state")
		case <-time.After(10 * time.Millisecond):
		}
	}

	client.mu.Lock()
	client.failKeepalive = false
	client.mu.Unlock()

	deadline = time.After(2 * time.Second)
	for a.State() != StateActive {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting to recover to Active")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if lostCount == 0 {
		t.Errorf("expected OnLeaseLost to have fired at least once")
	}
}
