// Package federation links errorhub instances over a websocket bus. A
// backend instance is the source of truth: it accepts relays on /bus,
// broadcasts every accepted error and membership change to them and applies
// what they send upstream. A relay forwards only the work that originated
// on it, so nothing travels the same hop twice.
package federation

import (
	"errors"
	"fmt"

	"github.com/armorclaw/errorhub/pkg/model"
)

// Frame names
const (
	FrameHello   = "hello"
	FrameError   = "error"
	FrameCluster = "cluster"
)

// Frame is one bus message
type Frame struct {
	Name     string               `json:"name" msgpack:"name"`
	Instance string               `json:"instance,omitempty" msgpack:"instance,omitempty"`
	Error    *model.ErrorPayload  `json:"error,omitempty" msgpack:"error,omitempty"`
	Cluster  *model.ClusterChange `json:"cluster,omitempty" msgpack:"cluster,omitempty"`
}

func helloFrame(instance string) Frame {
	return Frame{Name: FrameHello, Instance: instance}
}

func errorFrame(p model.ErrorPayload) Frame {
	return Frame{Name: FrameError, Error: &p}
}

func clusterFrame(c model.ClusterChange) Frame {
	return Frame{Name: FrameCluster, Cluster: &c}
}

// Origin returns the instance the carried work originated on
func (f Frame) Origin() string {
	switch {
	case f.Error != nil:
		return f.Error.Origin
	case f.Cluster != nil:
		return f.Cluster.Origin
	}
	return f.Instance
}

func (f Frame) validate() error {
	switch f.Name {
	case FrameHello:
		if f.Instance == "" {
			return errors.New("hello without instance")
		}
	case FrameError:
		if f.Error == nil {
			return errors.New("error frame without payload")
		}
	case FrameCluster:
		if f.Cluster == nil {
			return errors.New("cluster frame without change")
		}
	default:
		return fmt.Errorf("unknown frame %q", f.Name)
	}
	return nil
}

func decodeFrame(codec Codec, data []byte) (Frame, error) {
	var f Frame
	if err := codec.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	if err := f.validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// clusterFrames flattens a membership snapshot into additive changes
func clusterFrames(clusters []model.Cluster, origin string) []Frame {
	var frames []Frame
	for _, c := range clusters {
		frames = append(frames, clusterFrame(model.ClusterChange{
			Kind: model.ChangeCluster, Type: model.Added, Cluster: c.Name, Origin: origin,
		}))
		for _, a := range c.Applications {
			frames = append(frames, clusterFrame(model.ClusterChange{
				Kind: model.ChangeClusterApplication, Type: model.Added,
				Cluster: c.Name, Application: a.Name, Origin: origin,
			}))
		}
		for _, u := range c.Users {
			frames = append(frames, clusterFrame(model.ClusterChange{
				Kind: model.ChangeClusterUser, Type: model.Added,
				Cluster: c.Name, User: u.Name, Origin: origin,
			}))
		}
	}
	return frames
}

var errSelf = errors.New("peer announced our own instance id")

func errUnexpected(name string) error {
	return fmt.Errorf("unexpected %q frame", name)
}
