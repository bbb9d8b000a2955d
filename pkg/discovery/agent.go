// Package discovery implements the Discovery Agent: it keeps this
// process's own ServerDescriptor visible in a lease-bound etcd directory,
// watches the directory prefix for peers, and feeds deltas into a
// registry.Registry and a clusterevents.Publisher (spec.md ยง4.1).
//
// The state machine and retry/backoff policy follow original_source's Rust
// EtcdLazy implementation; this package is a from-scratch Go realization
// of the same operations (grant lease, put under lease, watch with
// compaction-aware resumption, keepalive-with-degrade), not a line-by-line
// port.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/pitaya-cluster/pitaya/pkg/clusterevents"
	"github.com/pitaya-cluster/pitaya/pkg/clustererr"
	"github.com/pitaya-cluster/pitaya/pkg/descriptor"
	"github.com/pitaya-cluster/pitaya/pkg/registry"
)

const logPrefix = "discovery:agent"

// Agent is the Discovery Agent for this process's own server.
type Agent struct {
	client     EtcdClient
	ownsClient bool
	cfg        Config
	local      descriptor.LocalServer
	registry   *registry.Registry
	publisher  clusterevents.Publisher

	// onLeaseLost, if set, is invoked on the keepalive goroutine every
	// time the retry budget for refreshing the lease is exhausted.
	onLeaseLost func(error)

	state  stateBox
	mu     sync.Mutex // guards local.LeaseID
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options configures optional Agent hooks.
type Options struct {
	OnLeaseLost func(error)
}

// New creates a Discovery Agent. client is typically produced by Dial;
// ownsClient controls whether Stop closes it.
func New(cfg Config, client EtcdClient, ownsClient bool, local descriptor.LocalServer, reg *registry.Registry, pub clusterevents.Publisher, opts *Options) *Agent {
	a := &Agent{
		client:     client,
		ownsClient: ownsClient,
		cfg:        cfg,
		local:      local,
		registry:   reg,
		publisher:  pub,
	}
	if opts != nil {
		a.onLeaseLost = opts.OnLeaseLost
	}
	return a
}

// State reports the Agent's current lifecycle state.
func (a *Agent) State() State {
	return a.state.Load()
}

// Start grants a lease, writes the local descriptor under it, lists and
// caches current peers, and opens a prefix watch from the listing's
// revision. It fails with a DiscoveryUnavailable error if any step cannot
// complete within the configured retry budget.
func (a *Agent) Start(ctx context.Context) error {
	a.state.Store(StateStarting)

	if err := a.grantLease(ctx); err != nil {
		a.state.Store(StateInit)
		return clustererr.DiscoveryUnavailable(fmt.Sprintf("failed to grant lease: %v", err))
	}
	if err := a.putLocalKey(ctx); err != nil {
		a.state.Store(StateInit)
		return clustererr.DiscoveryUnavailable(fmt.Sprintf("failed to publish local server: %v", err))
	}

	rev, err := a.listAndPopulate(ctx)
	if err != nil {
		a.state.Store(StateInit)
		return clustererr.DiscoveryUnavailable(fmt.Sprintf("failed to list existing servers: %v", err))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.wg.Add(2)
	go a.watchLoop(runCtx, rev)
	go a.keepaliveLoop(runCtx)

	a.state.Store(StateActive)
	slog.Info(fmt.Sprintf("%s - started, watching prefix %s", logPrefix, serversPrefix(a.cfg.EtcdPrefix)))
	return nil
}

// Stop revokes the lease (best-effort) and closes the watch. It blocks
// until the keepalive and watch goroutines have exited.
func (a *Agent) Stop(ctx context.Context) error {
	a.state.Store(StateStopping)
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	a.mu.Lock()
	leaseID := clientv3.LeaseID(a.local.LeaseID)
	a.mu.Unlock()

	if _, err := a.client.Revoke(ctx, leaseID); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to revoke lease (best effort): %v", logPrefix, err))
	}

	a.state.Store(StateStopped)
	if a.ownsClient {
		return a.client.Close()
	}
	return nil
}

func (a *Agent) grantLease(ctx context.Context) error {
	return a.withRetryBudget(ctx, func() error {
		resp, err := a.client.Grant(ctx, int64(a.cfg.HeartbeatTTLSec))
		if err != nil {
			return err
		}
		a.mu.Lock()
		a.local.LeaseID = int64(resp.ID)
		a.mu.Unlock()
		return nil
	})
}

func (a *Agent) putLocalKey(ctx context.Context) error {
	data, err := json.Marshal(a.local.Descriptor)
	if err != nil {
		return fmt.Errorf("%s - failed to encode local descriptor: %w", logPrefix, err)
	}
	key := serverKey(a.cfg.EtcdPrefix, a.local.Descriptor.Kind, a.local.Descriptor.ID)

	return a.withRetryBudget(ctx, func() error {
		a.mu.Lock()
		leaseID := clientv3.LeaseID(a.local.LeaseID)
		a.mu.Unlock()
		_, err := a.client.Put(ctx, key, string(data), clientv3.WithLease(leaseID))
		return err
	})
}

// listAndPopulate lists the current directory contents, applies them to
// the Registry as ServerAdded deltas, and returns the revision the list
// was observed at so the caller can resume a watch from there.
func (a *Agent) listAndPopulate(ctx context.Context) (int64, error) {
	var rev int64
	err := a.withRetryBudget(ctx, func() error {
		resp, err := a.client.Get(ctx, serversPrefix(a.cfg.EtcdPrefix), clientv3.WithPrefix())
		if err != nil {
			return err
		}
		for _, kv := range resp.Kvs {
			a.applyPut(kv.Key, kv.Value)
		}
		rev = resp.Header.Revision
		return nil
	})
	return rev, err
}

func (a *Agent) applyPut(key, value []byte) {
	var d descriptor.ServerDescriptor
	if err := json.Unmarshal(value, &d); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to decode descriptor at %s: %v", logPrefix, key, err))
		return
	}
	if err := d.Validate(); err != nil {
		slog.Error(fmt.Sprintf("%s - invalid descriptor at %s: %v", logPrefix, key, err))
		return
	}

	if !a.registry.Admits(d.Kind) {
		return
	}

	a.registry.Put(d)
	if a.cfg.LogServerSync {
		if a.cfg.LogServerDetails {
			slog.Info(fmt.Sprintf("%s - server added: %+v", logPrefix, d))
		} else {
			slog.Info(fmt.Sprintf("%s - server added: %s/%s", logPrefix, d.Kind, d.ID))
		}
	}
	a.publisher.Publish(context.Background(), clusterevents.Event{Kind: clusterevents.ServerAdded, Descriptor: d})
}

func (a *Agent) applyDelete(key []byte) {
	kind, id, ok := parseServerKey(a.cfg.EtcdPrefix, string(key))
	if !ok {
		return
	}

	d, found := a.registry.ByID(kind, id)
	a.registry.Delete(descriptor.Key{Kind: kind, ID: id})
	if !found {
		return
	}

	if a.cfg.LogServerSync {
		slog.Info(fmt.Sprintf("%s - server removed: %s/%s", logPrefix, kind, id))
	}
	a.publisher.Publish(context.Background(), clusterevents.Event{Kind: clusterevents.ServerRemoved, Descriptor: d})
}

// watchLoop applies directory deltas in revision order starting just after
// fromRevision. If the watch is canceled (for example because the requested
// revision was compacted away), it re-lists the prefix, applies every listed
// entry as a put, and resumes watching from the listing's revision rather
// than assuming
// continuity (Design Note, spec.md ยง9).
// The re-list only adds and replaces entries: a server whose key was
// deleted while the watch was down stays in the Registry.
func (a *Agent) watchLoop(ctx context.Context, fromRevision int64) {
	defer a.wg.Done()

	rev := fromRevision
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		wch := a.client.Watch(ctx, serversPrefix(a.cfg.EtcdPrefix), clientv3.WithPrefix(), clientv3.WithRev(rev+1))

	inner:
		for resp := range wch {
			if resp.Canceled {
				slog.Warn(fmt.Sprintf("%s - watch canceled (%v), re-listing and reconciling", logPrefix, resp.Err()))
				if newRev, err := a.listAndPopulate(ctx); err == nil {
					rev = newRev
				}
				break inner
			}
			for _, ev := range resp.Events {
				switch ev.Type {
				case mvccpb.PUT:
					a.applyPut(ev.Kv.Key, ev.Kv.Value)
				case mvccpb.DELETE:
					a.applyDelete(ev.Kv.Key)
				}
			}
			if resp.Header.Revision > rev {
				rev = resp.Header.Revision
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// keepaliveLoop refreshes the lease at interval ttl/3. On refresh failure
// it retries up to the budget; on exhaustion it emits a LeaseLost
// notification and transitions to Degraded, but keeps trying on every
// subsequent tick to re-establish the lease.
func (a *Agent) keepaliveLoop(ctx context.Context) {
	defer a.wg.Done()

	interval := a.cfg.leaseTTL() / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			leaseID := clientv3.LeaseID(a.local.LeaseID)
			a.mu.Unlock()

			err := a.withRetryBudget(ctx, func() error {
				_, err := a.client.KeepAliveOnce(ctx, leaseID)
				return err
			})
			if err != nil {
				slog.Error(fmt.Sprintf("%s - lease refresh exhausted retry budget: %v", logPrefix, err))
				a.state.Store(StateDegraded)
				if a.onLeaseLost != nil {
					a.onLeaseLost(clustererr.LeaseLost(err.Error()))
				}
				continue
			}
			if a.state.Load() == StateDegraded {
				a.state.Store(StateActive)
				slog.Info(fmt.Sprintf("%s - lease re-established, back to active", logPrefix))
			}
			if a.cfg.LogHeartbeat {
				slog.Debug(fmt.Sprintf("%s - lease refreshed", logPrefix))
			}
		}
	}
}

// withRetryBudget runs op with exponential backoff (base 1s, cap 30s), up
// to max_number_of_retries attempts.
func (a *Agent) withRetryBudget(ctx context.Context, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = retryBackoffBase
	eb.MaxInterval = retryBackoffCap
	eb.Multiplier = 2

	maxRetries := a.cfg.MaxNumberOfRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(maxRetries-1)), ctx)
	return backoff.Retry(op, policy)
}
