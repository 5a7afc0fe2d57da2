package query

import (
	"sort"

	"github.com/armorclaw/errorhub/pkg/domain"
	"github.com/armorclaw/errorhub/pkg/model"
)

// Visibility tracks the applications one viewer can see. An application stays
// visible while at least one tracked cluster includes it.
type Visibility struct {
	clusters map[string]map[string]struct{}
	refs     map[string]int
}

// NewVisibility starts tracking from a holder view
func NewVisibility(view domain.View) *Visibility {
	v := &Visibility{
		clusters: make(map[string]map[string]struct{}, len(view.Clusters)),
		refs:     make(map[string]int),
	}
	for c, apps := range view.Clusters {
		v.track(c, apps)
	}
	return v
}

// OnClusterApplication applies an application delta of a tracked cluster and
// returns the resulting change of the visible set
func (v *Visibility) OnClusterApplication(d model.ClusterApplicationDelta) (added, removed []string) {
	apps, ok := v.clusters[d.Target.Primary.Name]
	if !ok {
		return nil, nil
	}
	app := d.Target.Secondary.Name

	switch d.Type {
	case model.Added:
		if _, linked := apps[app]; linked {
			return nil, nil
		}
		apps[app] = struct{}{}
		if v.retain(app) {
			added = append(added, app)
		}
	case model.Removed:
		if _, linked := apps[app]; !linked {
			return nil, nil
		}
		delete(apps, app)
		if v.release(app) {
			removed = append(removed, app)
		}
	}
	return added, removed
}

// OnClusterUser applies a membership delta. Deltas about other users are ignored.
func (v *Visibility) OnClusterUser(user string, d model.ClusterUserDelta) (added, removed []string) {
	if d.Target.Secondary.Name != user {
		return nil, nil
	}
	cluster := d.Target.Primary.Name

	switch d.Type {
	case model.Added:
		if _, ok := v.clusters[cluster]; ok {
			return nil, nil
		}
		added = v.track(cluster, d.Target.Primary.ApplicationNames())
	case model.Removed:
		apps, ok := v.clusters[cluster]
		if !ok {
			return nil, nil
		}
		delete(v.clusters, cluster)
		for app := range apps {
			if v.release(app) {
				removed = append(removed, app)
			}
		}
		sort.Strings(removed)
	}
	return added, removed
}

// Visible reports whether app is in the visible set
func (v *Visibility) Visible(app string) bool {
	return v.refs[app] > 0
}

// Applications returns the sorted visible set
func (v *Visibility) Applications() []string {
	out := make([]string, 0, len(v.refs))
	for app := range v.refs {
		out = append(out, app)
	}
	sort.Strings(out)
	return out
}

// Clusters returns the number of tracked clusters
func (v *Visibility) Clusters() int {
	return len(v.clusters)
}

func (v *Visibility) track(cluster string, apps []string) (added []string) {
	set := make(map[string]struct{}, len(apps))
	for _, app := range apps {
		if _, dup := set[app]; dup {
			continue
		}
		set[app] = struct{}{}
		if v.retain(app) {
			added = append(added, app)
		}
	}
	v.clusters[cluster] = set
	sort.Strings(added)
	return added
}

// retain reports whether app just became visible
func (v *Visibility) retain(app string) bool {
	v.refs[app]++
	return v.refs[app] == 1
}

// release reports whether app just stopped being visible
func (v *Visibility) release(app string) bool {
	v.refs[app]--
	if v.refs[app] > 0 {
		return false
	}
	delete(v.refs, app)
	return true
}
