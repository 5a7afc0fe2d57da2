// Package domain holds the membership graph of clusters, applications and
// users. The Holder keeps an in-memory projection of a pluggable Store and
// publishes a delta for every committed relationship change, in commit order.
package domain

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	herrors "github.com/armorclaw/errorhub/pkg/errors"
	"github.com/armorclaw/errorhub/pkg/logger"
	"github.com/armorclaw/errorhub/pkg/model"
	"github.com/armorclaw/errorhub/pkg/stream"
)

// View is the set of applications a user sees, grouped by cluster, as of Version
type View struct {
	Version  uint64
	Clusters map[string][]string
}

// Applications returns the sorted union of the view's applications
func (v View) Applications() []string {
	set := make(map[string]struct{})
	for _, apps := range v.Clusters {
		for _, a := range apps {
			set[a] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// Stats counts the nodes of the graph
type Stats struct {
	Clusters     int    `json:"clusters"`
	Applications int    `json:"applications"`
	Users        int    `json:"users"`
	Version      uint64 `json:"version"`
}

type clusterState struct {
	apps  map[string]struct{}
	users map[string]struct{}
}

type set = map[string]struct{}

// Holder is the in-memory membership projection
type Holder struct {
	store      Store
	instanceID string
	events     *logger.EventLogger

	// writeMu serializes mutations: store write, cache update, version bump, publish
	writeMu sync.Mutex

	mu       sync.RWMutex
	clusters map[string]*clusterState
	apps     set
	users    map[string][]string // user -> token digests
	memberOf map[string]set      // user -> clusters
	tokens   map[string]string   // digest -> user
	version  uint64

	appDeltas  *stream.Broadcaster[model.ClusterApplicationDelta]
	userDeltas *stream.Broadcaster[model.ClusterUserDelta]
	changes    *stream.Broadcaster[model.ClusterChange]
}

// HolderOption configures a Holder
type HolderOption func(*Holder)

// WithInstanceID sets the origin recorded for mutations whose context carries none
func WithInstanceID(id string) HolderOption {
	return func(h *Holder) { h.instanceID = id }
}

// NewHolder loads store into a new holder
func NewHolder(ctx context.Context, store Store, opts ...HolderOption) (*Holder, error) {
	snap, err := store.Load(ctx)
	if err != nil {
		return nil, herrors.ErrDomainStore("Load", err)
	}

	h := &Holder{
		store:      store,
		clusters:   make(map[string]*clusterState),
		apps:       make(set),
		users:      make(map[string][]string),
		memberOf:   make(map[string]set),
		tokens:     make(map[string]string),
		appDeltas:  stream.NewBroadcaster[model.ClusterApplicationDelta]("cluster-applications"),
		userDeltas: stream.NewBroadcaster[model.ClusterUserDelta]("cluster-users"),
		changes:    stream.NewBroadcaster[model.ClusterChange]("cluster-changes"),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.events = logger.NewEventLogger(logger.Global().WithComponent("domain"))

	for _, c := range snap.Clusters {
		h.clusters[c] = &clusterState{apps: make(set), users: make(set)}
	}
	for _, a := range snap.Applications {
		h.apps[a] = struct{}{}
	}
	for u, digests := range snap.Users {
		h.users[u] = digests
		for _, d := range digests {
			h.tokens[d] = u
		}
	}
	for c, apps := range snap.ClusterApplications {
		cs := h.ensureClusterLocked(c)
		for _, a := range apps {
			cs.apps[a] = struct{}{}
			h.apps[a] = struct{}{}
		}
	}
	for c, users := range snap.ClusterUsers {
		cs := h.ensureClusterLocked(c)
		for _, u := range users {
			cs.users[u] = struct{}{}
			h.linkUserLocked(c, u)
		}
	}
	h.updateGaugesLocked()

	return h, nil
}

// Close ends every delta subscription
func (h *Holder) Close() {
	h.appDeltas.Close()
	h.userDeltas.Close()
	h.changes.Close()
}

// ClusterApplicationDeltas subscribes to cluster/application relationship changes
func (h *Holder) ClusterApplicationDeltas(name string) *stream.Subscription[model.ClusterApplicationDelta] {
	return h.appDeltas.Subscribe(name)
}

// ClusterUserDeltas subscribes to cluster/user relationship changes
func (h *Holder) ClusterUserDeltas(name string) *stream.Subscription[model.ClusterUserDelta] {
	return h.userDeltas.Subscribe(name)
}

// TapClusterApplicationDeltas calls fn synchronously, in commit order, for
// every cluster/application delta. fn must not block.
func (h *Holder) TapClusterApplicationDeltas(name string, fn func(model.ClusterApplicationDelta)) *stream.Tap {
	return h.appDeltas.Tap(name, fn)
}

// TapClusterUserDeltas is the cluster/user counterpart of TapClusterApplicationDeltas
func (h *Holder) TapClusterUserDeltas(name string, fn func(model.ClusterUserDelta)) *stream.Tap {
	return h.userDeltas.Tap(name, fn)
}

// TapChanges calls fn synchronously for every flat change. fn must not block.
func (h *Holder) TapChanges(name string, fn func(model.ClusterChange)) *stream.Tap {
	return h.changes.Tap(name, fn)
}

// Changes subscribes to every cluster level mutation in flat form
func (h *Holder) Changes(name string) *stream.Subscription[model.ClusterChange] {
	return h.changes.Subscribe(name)
}

// Version returns the mutation counter
func (h *Holder) Version() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.version
}

// GetUserApplications returns the applications visible to user
func (h *Holder) GetUserApplications(_ context.Context, user string) []model.Application {
	names := h.UserView(user).Applications()
	apps := make([]model.Application, len(names))
	for i, n := range names {
		apps[i] = model.Application{Name: n}
	}
	return apps
}

// UserView returns the clusters containing user with their applications
func (h *Holder) UserView(user string) View {
	h.mu.RLock()
	defer h.mu.RUnlock()

	view := View{Version: h.version, Clusters: make(map[string][]string)}
	for c := range h.memberOf[user] {
		view.Clusters[c] = sortedKeys(h.clusters[c].apps)
	}
	return view
}

// GetClusters returns snapshots of every cluster, sorted by name
func (h *Holder) GetClusters() []model.Cluster {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.clusters))
	for c := range h.clusters {
		names = append(names, c)
	}
	sort.Strings(names)

	out := make([]model.Cluster, len(names))
	for i, c := range names {
		out[i] = h.snapshotLocked(c)
	}
	return out
}

// GetCluster returns a snapshot of the named cluster
func (h *Holder) GetCluster(name string) (model.Cluster, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.clusters[name]; !ok {
		return model.Cluster{}, false
	}
	return h.snapshotLocked(name), true
}

// UserByToken resolves a viewer token to its user
func (h *Holder) UserByToken(token string) (model.User, bool) {
	if token == "" {
		return model.User{}, false
	}
	digest := DigestToken(token)

	h.mu.RLock()
	defer h.mu.RUnlock()

	name, ok := h.tokens[digest]
	if !ok {
		return model.User{}, false
	}
	return model.User{Name: name}, true
}

// HasUser reports whether the user is registered
func (h *Holder) HasUser(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.users[name]
	return ok
}

// Stats counts the graph nodes
func (h *Holder) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Clusters:     len(h.clusters),
		Applications: len(h.apps),
		Users:        len(h.users),
		Version:      h.version,
	}
}

// AddCluster registers a cluster
func (h *Holder) AddCluster(ctx context.Context, name string) error {
	if err := validName("cluster", name); err != nil {
		return err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if h.hasCluster(name) {
		return nil
	}

	version, err := h.commit("AddCluster",
		func() error { return h.store.AddCluster(ctx, name) },
		func() { h.ensureClusterLocked(name) })
	if err != nil {
		return err
	}

	h.publishChange(ctx, model.ClusterChange{Kind: model.ChangeCluster, Type: model.Added, Cluster: name, Version: version})
	return nil
}

// RemoveCluster deletes a cluster and all its relationships. Removed deltas
// are emitted for every user, then for every application.
func (h *Holder) RemoveCluster(ctx context.Context, name string) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if !h.hasCluster(name) {
		return nil
	}

	h.mu.RLock()
	before := h.snapshotLocked(name)
	h.mu.RUnlock()

	version, err := h.commit("RemoveCluster",
		func() error { return h.store.RemoveCluster(ctx, name) },
		func() {
			for u := range h.clusters[name].users {
				h.unlinkUserLocked(name, u)
			}
			delete(h.clusters, name)
		})
	if err != nil {
		return err
	}

	origin := h.origin(ctx)
	for _, u := range before.Users {
		d := model.NewDelta(model.NewRelationship(before, u), model.Removed)
		d.Version, d.Origin = version, origin
		h.userDeltas.Publish(d)
	}
	for _, a := range before.Applications {
		d := model.NewDelta(model.NewRelationship(before, a), model.Removed)
		d.Version, d.Origin = version, origin
		h.appDeltas.Publish(d)
	}

	h.publishChange(ctx, model.ClusterChange{Kind: model.ChangeCluster, Type: model.Removed, Cluster: name, Version: version})
	return nil
}

// AddApplication registers an application outside of any cluster
func (h *Holder) AddApplication(ctx context.Context, name string) error {
	if err := validName("application", name); err != nil {
		return err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	h.mu.RLock()
	_, exists := h.apps[name]
	h.mu.RUnlock()
	if exists {
		return nil
	}

	_, err := h.commit("AddApplication",
		func() error { return h.store.AddApplication(ctx, name) },
		func() { h.apps[name] = struct{}{} })
	return err
}

// AddUser registers a user outside of any cluster
func (h *Holder) AddUser(ctx context.Context, name string) error {
	if err := validName("user", name); err != nil {
		return err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if h.HasUser(name) {
		return nil
	}

	_, err := h.commit("AddUser",
		func() error { return h.store.AddUser(ctx, name) },
		func() { h.users[name] = nil })
	return err
}

// AddClusterApplication makes app visible to the members of cluster
func (h *Holder) AddClusterApplication(ctx context.Context, cluster, app string) error {
	if err := validName("application", app); err != nil {
		return err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	h.mu.RLock()
	cs, ok := h.clusters[cluster]
	linked := ok && has(cs.apps, app)
	h.mu.RUnlock()
	if !ok {
		return herrors.ErrUnknownCluster("AddClusterApplication", cluster)
	}
	if linked {
		return nil
	}

	version, err := h.commit("AddClusterApplication",
		func() error { return h.store.AddClusterApplication(ctx, cluster, app) },
		func() {
			h.apps[app] = struct{}{}
			h.clusters[cluster].apps[app] = struct{}{}
		})
	if err != nil {
		return err
	}

	h.publishApplication(ctx, cluster, app, model.Added, version)
	return nil
}

// RemoveClusterApplication hides app from the members of cluster
func (h *Holder) RemoveClusterApplication(ctx context.Context, cluster, app string) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	h.mu.RLock()
	cs, ok := h.clusters[cluster]
	linked := ok && has(cs.apps, app)
	h.mu.RUnlock()
	if !linked {
		return nil
	}

	version, err := h.commit("RemoveClusterApplication",
		func() error { return h.store.RemoveClusterApplication(ctx, cluster, app) },
		func() { delete(h.clusters[cluster].apps, app) })
	if err != nil {
		return err
	}

	h.publishApplication(ctx, cluster, app, model.Removed, version)
	return nil
}

// AddClusterUser makes user a member of cluster
func (h *Holder) AddClusterUser(ctx context.Context, cluster, user string) error {
	if err := validName("user", user); err != nil {
		return err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	h.mu.RLock()
	cs, ok := h.clusters[cluster]
	linked := ok && has(cs.users, user)
	h.mu.RUnlock()
	if !ok {
		return herrors.ErrUnknownCluster("AddClusterUser", cluster)
	}
	if linked {
		return nil
	}

	version, err := h.commit("AddClusterUser",
		func() error { return h.store.AddClusterUser(ctx, cluster, user) },
		func() {
			if _, ok := h.users[user]; !ok {
				h.users[user] = nil
			}
			h.clusters[cluster].users[user] = struct{}{}
			h.linkUserLocked(cluster, user)
		})
	if err != nil {
		return err
	}

	h.publishUser(ctx, cluster, user, model.Added, version)
	return nil
}

// RemoveClusterUser removes user from cluster
func (h *Holder) RemoveClusterUser(ctx context.Context, cluster, user string) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	h.mu.RLock()
	cs, ok := h.clusters[cluster]
	linked := ok && has(cs.users, user)
	h.mu.RUnlock()
	if !linked {
		return nil
	}

	version, err := h.commit("RemoveClusterUser",
		func() error { return h.store.RemoveClusterUser(ctx, cluster, user) },
		func() {
			delete(h.clusters[cluster].users, user)
			h.unlinkUserLocked(cluster, user)
		})
	if err != nil {
		return err
	}

	h.publishUser(ctx, cluster, user, model.Removed, version)
	return nil
}

// AddUserToken lets token authenticate user
func (h *Holder) AddUserToken(ctx context.Context, user, token string) error {
	if token == "" {
		return herrors.ErrInvalidChange("empty token")
	}
	return h.updateTokens(ctx, "AddUserToken", user, func(digests []string) ([]string, bool) {
		d := DigestToken(token)
		for _, existing := range digests {
			if existing == d {
				return digests, false
			}
		}
		return append(append([]string(nil), digests...), d), true
	})
}

// RemoveUserToken revokes token
func (h *Holder) RemoveUserToken(ctx context.Context, user, token string) error {
	return h.updateTokens(ctx, "RemoveUserToken", user, func(digests []string) ([]string, bool) {
		d := DigestToken(token)
		out := make([]string, 0, len(digests))
		for _, existing := range digests {
			if existing != d {
				out = append(out, existing)
			}
		}
		return out, len(out) != len(digests)
	})
}

func (h *Holder) updateTokens(ctx context.Context, op, user string, edit func([]string) ([]string, bool)) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	h.mu.RLock()
	current, ok := h.users[user]
	h.mu.RUnlock()
	if !ok {
		return herrors.ErrUnknownUser(op, user)
	}

	next, changed := edit(current)
	if !changed {
		return nil
	}

	_, err := h.commit(op,
		func() error { return h.store.SetUserTokens(ctx, user, next) },
		func() {
			for _, d := range current {
				delete(h.tokens, d)
			}
			for _, d := range next {
				h.tokens[d] = user
			}
			h.users[user] = next
		})
	return err
}

// Apply performs a membership change received from a federation peer.
// Relationship additions create a missing cluster first so that peers
// converge even when the cluster change was missed.
func (h *Holder) Apply(ctx context.Context, change model.ClusterChange) error {
	if change.Origin != "" && model.OriginFrom(ctx) == "" {
		ctx = model.WithOrigin(ctx, change.Origin)
	}
	if change.Cluster == "" {
		return herrors.ErrInvalidChange("missing cluster")
	}

	switch change.Kind {
	case model.ChangeCluster:
		switch change.Type {
		case model.Added:
			return h.AddCluster(ctx, change.Cluster)
		case model.Removed:
			return h.RemoveCluster(ctx, change.Cluster)
		}

	case model.ChangeClusterApplication:
		if change.Application == "" {
			return herrors.ErrInvalidChange("missing application")
		}
		switch change.Type {
		case model.Added:
			if err := h.AddCluster(ctx, change.Cluster); err != nil {
				return err
			}
			return h.AddClusterApplication(ctx, change.Cluster, change.Application)
		case model.Removed:
			return h.RemoveClusterApplication(ctx, change.Cluster, change.Application)
		}

	case model.ChangeClusterUser:
		if change.User == "" {
			return herrors.ErrInvalidChange("missing user")
		}
		switch change.Type {
		case model.Added:
			if err := h.AddCluster(ctx, change.Cluster); err != nil {
				return err
			}
			return h.AddClusterUser(ctx, change.Cluster, change.User)
		case model.Removed:
			return h.RemoveClusterUser(ctx, change.Cluster, change.User)
		}

	default:
		return herrors.ErrInvalidChange("unknown kind " + string(change.Kind))
	}

	return herrors.ErrInvalidChange("unknown type " + string(change.Type))
}

// commit writes to the store and, on success, updates the cache and bumps
// the version. Callers hold writeMu.
func (h *Holder) commit(op string, write func() error, apply func()) (uint64, error) {
	if err := write(); err != nil {
		mutationFailures.WithLabelValues(op).Inc()
		return 0, herrors.ErrDomainStore(op, err)
	}

	h.mu.Lock()
	apply()
	h.version++
	version := h.version
	h.updateGaugesLocked()
	h.mu.Unlock()

	mutationsTotal.WithLabelValues(op).Inc()
	return version, nil
}

func (h *Holder) publishApplication(ctx context.Context, cluster, app string, typ model.DeltaType, version uint64) {
	h.mu.RLock()
	snap := h.snapshotLocked(cluster)
	h.mu.RUnlock()

	d := model.NewDelta(model.NewRelationship(snap, model.Application{Name: app}), typ)
	d.Version, d.Origin = version, h.origin(ctx)
	h.appDeltas.Publish(d)

	h.publishChange(ctx, model.ClusterChange{
		Kind: model.ChangeClusterApplication, Type: typ, Cluster: cluster, Application: app, Version: version,
	})
}

func (h *Holder) publishUser(ctx context.Context, cluster, user string, typ model.DeltaType, version uint64) {
	h.mu.RLock()
	snap := h.snapshotLocked(cluster)
	h.mu.RUnlock()

	d := model.NewDelta(model.NewRelationship(snap, model.User{Name: user}), typ)
	d.Version, d.Origin = version, h.origin(ctx)
	h.userDeltas.Publish(d)

	h.publishChange(ctx, model.ClusterChange{
		Kind: model.ChangeClusterUser, Type: typ, Cluster: cluster, User: user, Version: version,
	})
}

func (h *Holder) publishChange(ctx context.Context, change model.ClusterChange) {
	change.Origin = h.origin(ctx)
	h.changes.Publish(change)
	h.events.LogEvent(logger.MembershipChanged,
		slog.String("kind", string(change.Kind)),
		slog.String("type", string(change.Type)),
		slog.String("cluster", change.Cluster),
		slog.String("application", change.Application),
		slog.String("user", change.User),
		slog.Uint64("version", change.Version),
		slog.String("origin", change.Origin))
}

func (h *Holder) origin(ctx context.Context) string {
	if o := model.OriginFrom(ctx); o != "" {
		return o
	}
	return h.instanceID
}

func (h *Holder) hasCluster(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clusters[name]
	return ok
}

// snapshotLocked requires mu held and the cluster to exist
func (h *Holder) snapshotLocked(name string) model.Cluster {
	cs := h.clusters[name]
	c := model.Cluster{
		Name:         name,
		Users:        make([]model.User, 0, len(cs.users)),
		Applications: make([]model.Application, 0, len(cs.apps)),
	}
	for _, u := range sortedKeys(cs.users) {
		c.Users = append(c.Users, model.User{Name: u})
	}
	for _, a := range sortedKeys(cs.apps) {
		c.Applications = append(c.Applications, model.Application{Name: a})
	}
	return c
}

func (h *Holder) ensureClusterLocked(name string) *clusterState {
	cs, ok := h.clusters[name]
	if !ok {
		cs = &clusterState{apps: make(set), users: make(set)}
		h.clusters[name] = cs
	}
	return cs
}

func (h *Holder) linkUserLocked(cluster, user string) {
	if _, ok := h.users[user]; !ok {
		h.users[user] = nil
	}
	m, ok := h.memberOf[user]
	if !ok {
		m = make(set)
		h.memberOf[user] = m
	}
	m[cluster] = struct{}{}
}

func (h *Holder) unlinkUserLocked(cluster, user string) {
	m, ok := h.memberOf[user]
	if !ok {
		return
	}
	delete(m, cluster)
	if len(m) == 0 {
		delete(h.memberOf, user)
	}
}

func (h *Holder) updateGaugesLocked() {
	graphSize.WithLabelValues("clusters").Set(float64(len(h.clusters)))
	graphSize.WithLabelValues("applications").Set(float64(len(h.apps)))
	graphSize.WithLabelValues("users").Set(float64(len(h.users)))
}

func validName(kind, name string) error {
	if name == "" {
		return herrors.ErrInvalidChange(kind + " name is empty")
	}
	if strings.ContainsRune(name, '/') {
		return herrors.ErrInvalidChange(kind + " name contains '/'")
	}
	return nil
}

func has(s set, key string) bool {
	_, ok := s[key]
	return ok
}

func sortedKeys(s set) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
