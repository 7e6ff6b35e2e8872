// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

import (
	"sort"
	"strings"
	"sync"
)

// Service is a named, immutable method table.
type Service interface {
	// FullName is the package-qualified name requests are routed by.
	FullName() string
	ShortName() string
	Method(name string) (ServerMethod, bool)
	// Methods returns the table sorted by method name.
	Methods() []ServerMethod
}

type service struct {
	fullName string
	methods  map[string]ServerMethod
}

// NewService builds a Service. When two methods share a name the later one
// is kept.
func NewService(fullName string, methods ...ServerMethod) Service {
	s := &service{
		fullName: fullName,
		methods:  make(map[string]ServerMethod, len(methods)),
	}
	for _, m := range methods {
		s.methods[m.Name()] = m
	}
	return s
}

func (s *service) FullName() string { return s.fullName }

func (s *service) ShortName() string {
	if i := strings.LastIndexByte(s.fullName, '.'); i >= 0 {
		return s.fullName[i+1:]
	}
	return s.fullName
}

func (s *service) Method(name string) (ServerMethod, bool) {
	m, ok := s.methods[name]
	return m, ok
}

func (s *service) Methods() []ServerMethod {
	out := make([]ServerMethod, 0, len(s.methods))
	for _, m := range s.methods {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ServiceGroup is the registry consulted by a Dispatcher on every request.
type ServiceGroup interface {
	// Add registers s under its full name, replacing any earlier service
	// with that name.
	Add(s Service)
	Lookup(fullName string) (Service, bool)
	Services() []Service
}

// DefaultServiceGroup is safe for lookups concurrent with registrations.
type DefaultServiceGroup struct {
	mu       sync.RWMutex
	services map[string]Service
}

// NewServiceGroup returns a group holding services.
func NewServiceGroup(services ...Service) *DefaultServiceGroup {
	g := &DefaultServiceGroup{services: make(map[string]Service, len(services))}
	for _, s := range services {
		g.Add(s)
	}
	return g
}

func (g *DefaultServiceGroup) Add(s Service) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.services[s.FullName()] = s
}

func (g *DefaultServiceGroup) Lookup(fullName string) (Service, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.services[fullName]
	return s, ok
}

func (g *DefaultServiceGroup) Services() []Service {
	g.mu.RLock()
	out := make([]Service, 0, len(g.services))
	for _, s := range g.services {
		out = append(out, s)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FullName() < out[j].FullName() })
	return out
}
