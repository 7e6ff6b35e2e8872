// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/jsilland/piezo"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultPrefix is the key prefix instances are stored under:
//
//	/piezo/<service>/<addr> = JSON Instance
const DefaultPrefix = "/piezo/"

// EtcdRegistry implements Registry on etcd v3. Registrations are attached to
// leases kept alive in the background, so the entries of a crashed server
// expire on their own.
type EtcdRegistry struct {
	client *clientv3.Client
	owned  bool
	prefix string
	logger *slog.Logger

	ctx  context.Context
	stop context.CancelFunc

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
}

// EtcdOption configures an EtcdRegistry.
type EtcdOption func(*EtcdRegistry)

// WithPrefix replaces DefaultPrefix.
func WithPrefix(prefix string) EtcdOption {
	return func(r *EtcdRegistry) {
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		r.prefix = prefix
	}
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) EtcdOption {
	return func(r *EtcdRegistry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewEtcdRegistry connects to the etcd cluster at endpoints.
func NewEtcdRegistry(endpoints []string, opts ...EtcdOption) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: piezo.DefaultConnectTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: etcd connect: %w", err)
	}
	r := NewEtcdRegistryFromClient(c, opts...)
	r.owned = true
	return r, nil
}

// NewEtcdRegistryFromClient uses an existing etcd client. Close leaves it
// open.
func NewEtcdRegistryFromClient(c *clientv3.Client, opts ...EtcdOption) *EtcdRegistry {
	ctx, stop := context.WithCancel(context.Background())
	r := &EtcdRegistry{
		client: c,
		prefix: DefaultPrefix,
		logger: slog.Default(),
		ctx:    ctx,
		stop:   stop,
		leases: make(map[string]clientv3.LeaseID),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *EtcdRegistry) servicePrefix(service string) string {
	return r.prefix + service + "/"
}

func (r *EtcdRegistry) instanceKey(service, addr string) string {
	return r.servicePrefix(service) + addr
}

// leaseTTL rounds ttl up to whole seconds, the lease granularity of etcd.
func leaseTTL(ttl time.Duration) int64 {
	seconds := int64(math.Ceil(ttl.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

func (r *EtcdRegistry) Register(ctx context.Context, service string, instance Instance, ttl time.Duration) error {
	if instance.Addr == "" {
		return errors.New("discovery: instance has no address")
	}
	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	lease, err := r.client.Grant(ctx, leaseTTL(ttl))
	if err != nil {
		return fmt.Errorf("discovery: grant lease: %w", err)
	}
	key := r.instanceKey(service, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("discovery: put %s: %w", key, err)
	}

	// Renewal outlives ctx; it ends on Deregister or Close.
	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("discovery: keepalive: %w", err)
	}
	r.mu.Lock()
	previous, replaced := r.leases[key]
	r.leases[key] = lease.ID
	r.mu.Unlock()
	if replaced {
		r.revoke(ctx, previous)
	}

	logger := r.logger.With(piezo.LabelService.L(service), piezo.LabelRemote.L(instance.Addr))
	go func() {
		for range ch {
		}
		logger.Debug("lease keepalive ended")
	}()
	logger.Info("registered instance", "ttl", ttl)
	return nil
}

func (r *EtcdRegistry) revoke(ctx context.Context, id clientv3.LeaseID) {
	if _, err := r.client.Revoke(ctx, id); err != nil {
		r.logger.Warn("failed to revoke lease", "lease", int64(id), "error", err)
	}
}

func (r *EtcdRegistry) Deregister(ctx context.Context, service, addr string) error {
	key := r.instanceKey(service, addr)
	r.mu.Lock()
	id, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("discovery: delete %s: %w", key, err)
	}
	if ok {
		r.revoke(ctx, id)
	}
	return nil
}

func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, r.servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("discovery: get %s: %w", service, err)
	}
	values := make([][]byte, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		values = append(values, kv.Value)
	}
	return decodeInstances(values, r.logger), nil
}

// decodeInstances skips malformed entries.
func decodeInstances(values [][]byte, logger *slog.Logger) []Instance {
	instances := make([]Instance, 0, len(values))
	for _, v := range values {
		var instance Instance
		if err := json.Unmarshal(v, &instance); err != nil || instance.Addr == "" {
			logger.Warn("skipping malformed instance", "value", string(v), "error", err)
			continue
		}
		instances = append(instances, instance)
	}
	return instances
}

func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Instance {
	out := make(chan []Instance, 1)
	go func() {
		defer close(out)
		events := r.client.Watch(ctx, r.servicePrefix(service), clientv3.WithPrefix())
		for resp := range events {
			if err := resp.Err(); err != nil {
				r.logger.Warn("watch failed", piezo.LabelService.L(service), "error", err)
				continue
			}
			// Re-read the whole list rather than applying individual events.
			instances, err := r.Discover(ctx, service)
			if err != nil {
				r.logger.Warn("refresh after watch event failed", piezo.LabelService.L(service), "error", err)
				continue
			}
			select {
			case out <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Close stops renewing leases. The etcd client is closed if the registry
// created it.
func (r *EtcdRegistry) Close() error {
	r.stop()
	if r.owned {
		return r.client.Close()
	}
	return nil
}
