package model

import (
	"slices"
	"sort"
)

// Application is an error producing source, identified by name
type Application struct {
	Name string `json:"name" msgpack:"name"`
}

// Key implements Keyed
func (a Application) Key() string { return a.Name }

// User is a viewer identity. Tokens are opaque credentials.
type User struct {
	Name   string   `json:"name" msgpack:"name"`
	Tokens []string `json:"-" msgpack:"-"`
}

// Key implements Keyed
func (u User) Key() string { return u.Name }

// AddToken returns a copy of the user holding token
func (u User) AddToken(token string) User {
	if slices.Contains(u.Tokens, token) {
		return u
	}
	tokens := make([]string, 0, len(u.Tokens)+1)
	tokens = append(tokens, u.Tokens...)
	return User{Name: u.Name, Tokens: append(tokens, token)}
}

// RemoveToken returns a copy of the user without token
func (u User) RemoveToken(token string) User {
	tokens := make([]string, 0, len(u.Tokens))
	for _, t := range u.Tokens {
		if t != token {
			tokens = append(tokens, t)
		}
	}
	return User{Name: u.Name, Tokens: tokens}
}

// Cluster groups users and applications for visibility purposes.
// Values are snapshots taken by the domain holder.
type Cluster struct {
	Name         string        `json:"name" msgpack:"name"`
	Users        []User        `json:"users" msgpack:"users"`
	Applications []Application `json:"applications" msgpack:"applications"`
}

// Key implements Keyed
func (c Cluster) Key() string { return c.Name }

// HasUser reports whether the snapshot lists the named user
func (c Cluster) HasUser(name string) bool {
	for _, u := range c.Users {
		if u.Name == name {
			return true
		}
	}
	return false
}

// ApplicationNames returns the sorted application names of the snapshot
func (c Cluster) ApplicationNames() []string {
	names := make([]string, 0, len(c.Applications))
	for _, a := range c.Applications {
		names = append(names, a.Name)
	}
	sort.Strings(names)
	return names
}

// Keyed is implemented by graph nodes
type Keyed interface {
	Key() string
}

// Relationship states that Primary contains Secondary
type Relationship[A, B Keyed] struct {
	Primary   A `json:"primary" msgpack:"primary"`
	Secondary B `json:"secondary" msgpack:"secondary"`
}

// NewRelationship builds a relationship
func NewRelationship[A, B Keyed](primary A, secondary B) Relationship[A, B] {
	return Relationship[A, B]{Primary: primary, Secondary: secondary}
}

// Identity returns the (primary key, secondary key) pair
func (r Relationship[A, B]) Identity() [2]string {
	return [2]string{r.Primary.Key(), r.Secondary.Key()}
}

// DeltaType tells whether a delta adds or removes its target
type DeltaType string

const (
	Added   DeltaType = "added"
	Removed DeltaType = "removed"
)

// Delta is one membership graph change
type Delta[T any] struct {
	Target T         `json:"target" msgpack:"target"`
	Type   DeltaType `json:"type" msgpack:"type"`
	// Version is the holder mutation counter at which the delta was committed
	Version uint64 `json:"version" msgpack:"version"`
	Origin  string `json:"origin,omitempty" msgpack:"origin,omitempty"`
}

// NewDelta builds a delta
func NewDelta[T any](target T, typ DeltaType) Delta[T] {
	return Delta[T]{Target: target, Type: typ}
}

// ClusterApplicationDelta is a change of a cluster's applications
type ClusterApplicationDelta = Delta[Relationship[Cluster, Application]]

// ClusterUserDelta is a change of a cluster's users
type ClusterUserDelta = Delta[Relationship[Cluster, User]]

// ChangeKind names the membership relation a ClusterChange applies to
type ChangeKind string

const (
	ChangeCluster            ChangeKind = "cluster"
	ChangeClusterApplication ChangeKind = "cluster-application"
	ChangeClusterUser        ChangeKind = "cluster-user"
)

// ClusterChange is the flat form of a membership mutation exchanged between instances
type ClusterChange struct {
	Kind        ChangeKind `json:"kind" msgpack:"kind"`
	Type        DeltaType  `json:"type" msgpack:"type"`
	Cluster     string     `json:"cluster" msgpack:"cluster"`
	Application string     `json:"application,omitempty" msgpack:"application,omitempty"`
	User        string     `json:"user,omitempty" msgpack:"user,omitempty"`
	Version     uint64     `json:"version,omitempty" msgpack:"version,omitempty"`
	Origin      string     `json:"origin,omitempty" msgpack:"origin,omitempty"`
}
