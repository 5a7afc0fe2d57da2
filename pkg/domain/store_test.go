package domain

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armorclaw/errorhub/pkg/config"
)

func stores(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"badger": func() Store {
			s, err := OpenBadgerStore(BadgerConfig{InMemory: true})
			require.NoError(t, err)
			return s
		},
	}
}

func TestStoreContract(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open()
			defer s.Close()

			require.NoError(t, s.AddCluster(ctx, "c1"))
			require.NoError(t, s.AddCluster(ctx, "c2"))
			require.NoError(t, s.AddApplication(ctx, "standalone"))
			require.NoError(t, s.AddClusterApplication(ctx, "c1", "a1"))
			require.NoError(t, s.AddClusterApplication(ctx, "c1", "a2"))
			require.NoError(t, s.AddClusterUser(ctx, "c1", "u1"))
			require.NoError(t, s.AddClusterUser(ctx, "c2", "u1"))
			require.NoError(t, s.AddUser(ctx, "u2"))
			require.NoError(t, s.SetUserTokens(ctx, "u1", []string{"d1", "d2"}))
			require.NoError(t, s.RemoveClusterApplication(ctx, "c1", "a2"))
			require.NoError(t, s.AddUser(ctx, "u1"))

			snap, err := s.Load(ctx)
			require.NoError(t, err)

			assert.Equal(t, []string{"c1", "c2"}, snap.Clusters)
			assert.Equal(t, []string{"a1", "a2", "standalone"}, snap.Applications)
			assert.Equal(t, []string{"a1"}, snap.ClusterApplications["c1"])
			assert.Equal(t, []string{"u1"}, snap.ClusterUsers["c1"])
			assert.Equal(t, []string{"d1", "d2"}, snap.Users["u1"], "AddUser must not reset tokens")
			assert.Contains(t, snap.Users, "u2")

			require.NoError(t, s.RemoveClusterUser(ctx, "c2", "u1"))
			require.NoError(t, s.RemoveCluster(ctx, "c1"))

			snap, err = s.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"c2"}, snap.Clusters)
			assert.Empty(t, snap.ClusterApplications["c1"])
			assert.Empty(t, snap.ClusterUsers["c1"])
			assert.Empty(t, snap.ClusterUsers["c2"])
		})
	}
}

func TestBadgerStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "domain")

	s, err := OpenBadgerStore(BadgerConfig{Path: path, SyncWrites: true})
	require.NoError(t, err)
	require.NoError(t, s.AddCluster(ctx, "c1"))
	require.NoError(t, s.AddClusterUser(ctx, "c1", "u1"))
	require.NoError(t, s.AddClusterApplication(ctx, "c1", "a1"))
	_ = s.RunGC(0.5)
	require.NoError(t, s.Close())

	s, err = OpenBadgerStore(BadgerConfig{Path: path})
	require.NoError(t, err)
	defer s.Close()

	snap, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, snap.Clusters)
	assert.Equal(t, []string{"u1"}, snap.ClusterUsers["c1"])
	assert.Equal(t, []string{"a1"}, snap.ClusterApplications["c1"])
}

func TestOpenStore(t *testing.T) {
	s, err := OpenStore(config.DomainConfig{Store: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = OpenStore(config.DomainConfig{Store: "badger", Path: filepath.Join(t.TempDir(), "d")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = OpenStore(config.DomainConfig{Store: "etcd"})
	assert.Error(t, err)
}

func TestSplitPair(t *testing.T) {
	c, a, ok := splitPair("ca/c1/a1", prefixCA)
	require.True(t, ok)
	assert.Equal(t, "c1", c)
	assert.Equal(t, "a1", a)

	_, _, ok = splitPair("ca/c1/", prefixCA)
	assert.False(t, ok)
}
