package query

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/armorclaw/errorhub/pkg/domain"
	"github.com/armorclaw/errorhub/pkg/model"
)

func cluster(name string, apps ...string) model.Cluster {
	c := model.Cluster{Name: name}
	for _, a := range apps {
		c.Applications = append(c.Applications, model.Application{Name: a})
	}
	return c
}

func appDelta(c model.Cluster, app string, typ model.DeltaType) model.ClusterApplicationDelta {
	return model.NewDelta(model.NewRelationship(c, model.Application{Name: app}), typ)
}

func userDelta(c model.Cluster, user string, typ model.DeltaType) model.ClusterUserDelta {
	return model.NewDelta(model.NewRelationship(c, model.User{Name: user}), typ)
}

func TestVisibility_InitialView(t *testing.T) {
	v := NewVisibility(domain.View{Clusters: map[string][]string{
		"c1": {"a1", "a2"},
		"c2": {"a2", "a3"},
	}})

	assert.Equal(t, []string{"a1", "a2", "a3"}, v.Applications())
	assert.Equal(t, 2, v.Clusters())
	assert.True(t, v.Visible("a2"))
	assert.False(t, v.Visible("a4"))
}

func TestVisibility_UnionSemantics(t *testing.T) {
	v := NewVisibility(domain.View{Clusters: map[string][]string{
		"c1": {"a1", "shared"},
		"c2": {"shared"},
	}})

	added, removed := v.OnClusterApplication(appDelta(cluster("c1"), "shared", model.Removed))
	assert.Empty(t, added)
	assert.Empty(t, removed, "still visible through c2")
	assert.True(t, v.Visible("shared"))

	added, removed = v.OnClusterApplication(appDelta(cluster("c2"), "shared", model.Removed))
	assert.Empty(t, added)
	assert.Equal(t, []string{"shared"}, removed)
	assert.False(t, v.Visible("shared"))
}

func TestVisibility_IgnoresUntrackedClusters(t *testing.T) {
	v := NewVisibility(domain.View{Clusters: map[string][]string{"c1": {"a1"}}})

	added, removed := v.OnClusterApplication(appDelta(cluster("other"), "a9", model.Added))
	assert.Empty(t, added)
	assert.Empty(t, removed)
	assert.False(t, v.Visible("a9"))

	added, removed = v.OnClusterUser("u1", userDelta(cluster("other", "a9"), "u2", model.Added))
	assert.Empty(t, added)
	assert.Empty(t, removed)
}

func TestVisibility_MembershipChanges(t *testing.T) {
	v := NewVisibility(domain.View{Clusters: map[string][]string{}})
	assert.Empty(t, v.Applications())

	added, removed := v.OnClusterUser("u1", userDelta(cluster("c1", "b", "a"), "u1", model.Added))
	assert.Equal(t, []string{"a", "b"}, added)
	assert.Empty(t, removed)

	// repeated join is a no-op
	added, _ = v.OnClusterUser("u1", userDelta(cluster("c1", "a", "b"), "u1", model.Added))
	assert.Empty(t, added)

	added, _ = v.OnClusterApplication(appDelta(cluster("c1"), "c", model.Added))
	assert.Equal(t, []string{"c"}, added)

	added, removed = v.OnClusterUser("u1", userDelta(cluster("c1", "a", "b", "c"), "u1", model.Removed))
	assert.Empty(t, added)
	assert.Equal(t, []string{"a", "b", "c"}, removed)
	assert.Empty(t, v.Applications())
	assert.Equal(t, 0, v.Clusters())
}

func TestVisibility_DuplicateDeltas(t *testing.T) {
	v := NewVisibility(domain.View{Clusters: map[string][]string{"c1": {"a1"}}})

	added, _ := v.OnClusterApplication(appDelta(cluster("c1"), "a1", model.Added))
	assert.Empty(t, added)

	_, removed := v.OnClusterApplication(appDelta(cluster("c1"), "a1", model.Removed))
	assert.Equal(t, []string{"a1"}, removed)

	_, removed = v.OnClusterApplication(appDelta(cluster("c1"), "a1", model.Removed))
	assert.Empty(t, removed)
	assert.False(t, v.Visible("a1"))
}
