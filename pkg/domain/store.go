package domain

import (
	"context"
	"fmt"
	"sort"

	"github.com/armorclaw/errorhub/pkg/config"
)

// Store persists the membership graph. Every call is atomic; adding a
// relationship also registers its application or user.
type Store interface {
	AddCluster(ctx context.Context, name string) error
	RemoveCluster(ctx context.Context, name string) error
	AddApplication(ctx context.Context, name string) error
	AddUser(ctx context.Context, name string) error
	SetUserTokens(ctx context.Context, user string, tokenDigests []string) error
	AddClusterApplication(ctx context.Context, cluster, app string) error
	RemoveClusterApplication(ctx context.Context, cluster, app string) error
	AddClusterUser(ctx context.Context, cluster, user string) error
	RemoveClusterUser(ctx context.Context, cluster, user string) error

	// Load reads the whole membership graph
	Load(ctx context.Context) (Snapshot, error)

	Close() error
}

// Snapshot is the persisted membership graph
type Snapshot struct {
	Clusters            []string
	Applications        []string
	Users               map[string][]string // user -> token digests
	ClusterApplications map[string][]string
	ClusterUsers        map[string][]string
}

func newSnapshot() Snapshot {
	return Snapshot{
		Users:               make(map[string][]string),
		ClusterApplications: make(map[string][]string),
		ClusterUsers:        make(map[string][]string),
	}
}

func (s *Snapshot) sort() {
	sort.Strings(s.Clusters)
	sort.Strings(s.Applications)
	for _, v := range s.ClusterApplications {
		sort.Strings(v)
	}
	for _, v := range s.ClusterUsers {
		sort.Strings(v)
	}
}

// OpenStore creates the store selected by cfg
func OpenStore(cfg config.DomainConfig) (Store, error) {
	switch cfg.Store {
	case "", "memory":
		return NewMemoryStore(), nil
	case "badger":
		return OpenBadgerStore(BadgerConfig{Path: cfg.Path, SyncWrites: true})
	default:
		return nil, fmt.Errorf("unknown domain store %q", cfg.Store)
	}
}
