package domain

import (
	"context"
	"sync"
)

// MemoryStore keeps the membership graph in process memory
type MemoryStore struct {
	mu       sync.Mutex
	clusters map[string]struct{}
	apps     map[string]struct{}
	users    map[string][]string
	ca       map[string]map[string]struct{}
	cu       map[string]map[string]struct{}

	// fail, when set, is returned by every mutation
	fail error
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clusters: make(map[string]struct{}),
		apps:     make(map[string]struct{}),
		users:    make(map[string][]string),
		ca:       make(map[string]map[string]struct{}),
		cu:       make(map[string]map[string]struct{}),
	}
}

// FailWith makes subsequent mutations return err; nil restores normal behavior
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *MemoryStore) mutate(fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	fn()
	return nil
}

func (s *MemoryStore) AddCluster(_ context.Context, name string) error {
	return s.mutate(func() { s.clusters[name] = struct{}{} })
}

func (s *MemoryStore) RemoveCluster(_ context.Context, name string) error {
	return s.mutate(func() {
		delete(s.clusters, name)
		delete(s.ca, name)
		delete(s.cu, name)
	})
}

func (s *MemoryStore) AddApplication(_ context.Context, name string) error {
	return s.mutate(func() { s.apps[name] = struct{}{} })
}

func (s *MemoryStore) AddUser(_ context.Context, name string) error {
	return s.mutate(func() {
		if _, ok := s.users[name]; !ok {
			s.users[name] = nil
		}
	})
}

func (s *MemoryStore) SetUserTokens(_ context.Context, user string, tokenDigests []string) error {
	return s.mutate(func() {
		s.users[user] = append([]string(nil), tokenDigests...)
	})
}

func (s *MemoryStore) AddClusterApplication(_ context.Context, cluster, app string) error {
	return s.mutate(func() {
		s.apps[app] = struct{}{}
		link(s.ca, cluster, app)
	})
}

func (s *MemoryStore) RemoveClusterApplication(_ context.Context, cluster, app string) error {
	return s.mutate(func() { unlink(s.ca, cluster, app) })
}

func (s *MemoryStore) AddClusterUser(_ context.Context, cluster, user string) error {
	return s.mutate(func() {
		if _, ok := s.users[user]; !ok {
			s.users[user] = nil
		}
		link(s.cu, cluster, user)
	})
}

func (s *MemoryStore) RemoveClusterUser(_ context.Context, cluster, user string) error {
	return s.mutate(func() { unlink(s.cu, cluster, user) })
}

// Load implements Store
func (s *MemoryStore) Load(context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := newSnapshot()
	for c := range s.clusters {
		snap.Clusters = append(snap.Clusters, c)
	}
	for a := range s.apps {
		snap.Applications = append(snap.Applications, a)
	}
	for u, digests := range s.users {
		snap.Users[u] = append([]string(nil), digests...)
	}
	for c, apps := range s.ca {
		for a := range apps {
			snap.ClusterApplications[c] = append(snap.ClusterApplications[c], a)
		}
	}
	for c, users := range s.cu {
		for u := range users {
			snap.ClusterUsers[c] = append(snap.ClusterUsers[c], u)
		}
	}
	snap.sort()
	return snap, nil
}

// Close implements Store
func (s *MemoryStore) Close() error { return nil }

func link(m map[string]map[string]struct{}, primary, secondary string) {
	set, ok := m[primary]
	if !ok {
		set = make(map[string]struct{})
		m[primary] = set
	}
	set[secondary] = struct{}{}
}

func unlink(m map[string]map[string]struct{}, primary, secondary string) {
	set, ok := m[primary]
	if !ok {
		return
	}
	delete(set, secondary)
	if len(set) == 0 {
		delete(m, primary)
	}
}
