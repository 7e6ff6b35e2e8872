// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package discovery

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jsilland/piezo"
)

// DialFunc opens a client to one instance.
type DialFunc func(ctx context.Context, instance Instance) (piezo.Client, error)

// DialInstance dials instance with piezo.Dial, honoring the transport it
// registered with.
func DialInstance(opts ...piezo.DialOption) DialFunc {
	return func(ctx context.Context, instance Instance) (piezo.Client, error) {
		if instance.Transport != "" {
			opts = append(opts[:len(opts):len(opts)], piezo.WithTransport(instance.Transport))
		}
		return piezo.Dial(ctx, instance.Addr, opts...)
	}
}

// Syncer keeps the members of a ClientPool matching the registered
// instances of one service.
type Syncer struct {
	registry Registry
	service  string
	pool     *piezo.ClientPool
	dial     DialFunc
	logger   *slog.Logger

	mu      sync.Mutex
	members map[string]piezo.Client
}

// NewSyncer returns a Syncer feeding pool. pool should start empty; members
// it did not add are left alone.
func NewSyncer(registry Registry, service string, pool *piezo.ClientPool, dial DialFunc, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		registry: registry,
		service:  service,
		pool:     pool,
		dial:     dial,
		logger:   logger.With(piezo.LabelService.L(service)),
		members:  make(map[string]piezo.Client),
	}
}

// Run reconciles once from Discover, then on every change until ctx ends.
func (s *Syncer) Run(ctx context.Context) error {
	updates := s.registry.Watch(ctx, s.service)

	instances, err := s.registry.Discover(ctx, s.service)
	if err != nil {
		return err
	}
	s.Reconcile(ctx, instances)

	for {
		select {
		case <-ctx.Done():
			return nil
		case instances, ok := <-updates:
			if !ok {
				return nil
			}
			s.Reconcile(ctx, instances)
		}
	}
}

// Reconcile dials instances not yet in the pool and removes the members
// whose instance is gone. Instances that cannot be dialed are skipped until
// the next change.
func (s *Syncer) Reconcile(ctx context.Context, instances []Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make(map[string]Instance, len(instances))
	for _, instance := range instances {
		live[instance.Addr] = instance
	}

	for addr, client := range s.members {
		if _, ok := live[addr]; ok {
			continue
		}
		s.pool.Remove(client)
		delete(s.members, addr)
		if err := client.Close(); err != nil {
			s.logger.Warn("failed to close client", piezo.LabelRemote.L(addr), "error", err)
		}
		s.logger.Info("removed instance", piezo.LabelRemote.L(addr))
	}

	for addr, instance := range live {
		if _, ok := s.members[addr]; ok {
			continue
		}
		client, err := s.dial(ctx, instance)
		if err != nil {
			s.logger.Warn("failed to dial instance", piezo.LabelRemote.L(addr), "error", err)
			continue
		}
		s.members[addr] = client
		s.pool.Add(client)
		s.logger.Info("added instance", piezo.LabelRemote.L(addr))
	}
}

// Members returns the addresses currently in the pool.
func (s *Syncer) Members() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]string, 0, len(s.members))
	for addr := range s.members {
		addrs = append(addrs, addr)
	}
	return addrs
}
