package pipeline

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/funf-org/funf/internal/action"
	"github.com/funf-org/funf/internal/archive"
	"github.com/funf-org/funf/internal/datasource"
	"github.com/funf-org/funf/internal/ir"
	"github.com/funf-org/funf/internal/registry"
)

// Type names registered by Register.
const (
	TypeBasic             = "pipeline.Basic"
	TypeHTTPRemote        = "remote.HTTP"
	TypeObjectStoreRemote = "remote.ObjectStore"
)

// Destinations is implemented by archivers that accept remotes declared
// in a document.
type Destinations interface {
	Destinations() []string
	AddRemote(r archive.RemoteArchive)
}

// Deps are the shared services pipelines and remotes are built on. Any
// field may be nil; a pipeline without Records or Archive fails its
// archive and upload actions, and remote.ObjectStore needs JetStream.
type Deps struct {
	Records    RecordStore
	Archive    Archiver
	JetStream  jetstream.JetStream
	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
}

// Register adds pipeline.Basic and the remote types to reg.
func Register(reg *registry.Registry, deps Deps) error {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	types := []struct {
		name    string
		kind    registry.Kind
		factory registry.Factory
		desc    string
	}{
		{TypeBasic, registry.KindPipeline, basicFactory(deps), "store, archive and upload the records of its data sources"},
		{TypeHTTPRemote, registry.KindRemote, httpRemoteFactory(deps), "upload batches with HTTP PUT"},
		{TypeObjectStoreRemote, registry.KindRemote, objectStoreRemoteFactory(deps), "upload batches to a NATS object store bucket"},
	}
	for _, t := range types {
		if err := reg.RegisterType(t.name, t.kind, t.factory, registry.Describe(t.desc)); err != nil {
			return err
		}
	}
	return nil
}

func basicFactory(deps Deps) registry.Factory {
	return func(c registry.Context) (any, error) {
		name, err := c.String("name", c.Path)
		if err != nil {
			return nil, err
		}
		b := &Basic{
			Name:     name,
			records:  deps.Records,
			archiver: deps.Archive,
			logger:   deps.Logger,
			now:      deps.Now,
		}

		children, _ := c.Children("data")
		for i, child := range children {
			ds, ok := child.(datasource.DataSource)
			if !ok {
				return nil, fmt.Errorf("data[%d]: %T is not a data source", i, child)
			}
			b.Data = append(b.Data, ds)
		}

		var archiveSchedule, uploadSchedule datasource.DataSource
		if sub, ok, err := section(c, "archive"); err != nil {
			return nil, err
		} else if ok {
			if archiveSchedule, err = scheduleField(sub); err != nil {
				return nil, err
			}
			size, err := sub.Int("batch_size", DefaultBatchSize)
			if err != nil {
				return nil, err
			}
			if size <= 0 {
				return nil, fmt.Errorf("archive.batch_size must be positive")
			}
			b.BatchSize = int(size)
		}
		if sub, ok, err := section(c, "upload"); err != nil {
			return nil, err
		} else if ok {
			if uploadSchedule, err = scheduleField(sub); err != nil {
				return nil, err
			}
			if b.Upload, err = uploadField(sub, deps.Archive); err != nil {
				return nil, err
			}
		}

		triggers, err := namedTriggers(c)
		if err != nil {
			return nil, err
		}
		actions, err := namedActions(c)
		if err != nil {
			return nil, err
		}
		b.wire(archiveSchedule, uploadSchedule, triggers, actions)
		return b, nil
	}
}

// section narrows c to the object stored under key, so the field helpers
// of registry.Context apply to its entries.
func section(c registry.Context, key string) (registry.Context, bool, error) {
	v, ok := c.Spec.Config[key]
	if !ok {
		return c, false, nil
	}
	obj, isObject := v.(ir.Object)
	if !isObject {
		return c, false, fmt.Errorf("field %q: expected object, got %T", key, v)
	}
	sub := c
	sub.Spec = ir.SourceSpec{Type: c.Spec.Type, Config: obj}
	sub.Path = c.Path + "." + key
	return sub, true, nil
}

func scheduleField(c registry.Context) (datasource.DataSource, error) {
	v, ok, err := c.Child("schedule")
	if err != nil || !ok {
		return nil, err
	}
	ds, isSource := v.(datasource.DataSource)
	if !isSource {
		return nil, fmt.Errorf("%s.schedule: %T is not a data source", c.Path, v)
	}
	return ds, nil
}

// uploadField resolves the destination of an upload section. A declared
// remote is added to the archiver and becomes the destination.
func uploadField(c registry.Context, archiver Archiver) (*Upload, error) {
	network, err := c.String("network", "")
	if err != nil {
		return nil, err
	}
	up := &Upload{}
	if up.Network, err = archive.ParseNetwork(network); err != nil {
		return nil, err
	}
	if up.Destination, err = c.String("destination", ""); err != nil {
		return nil, err
	}

	v, declared, err := c.Child("remote")
	if err != nil {
		return nil, err
	}
	dests, canAdd := archiver.(Destinations)
	if declared {
		remote, ok := v.(archive.RemoteArchive)
		if !ok {
			return nil, fmt.Errorf("upload.remote: %T is not a remote archive", v)
		}
		if up.Destination != "" && up.Destination != remote.ID() {
			return nil, fmt.Errorf("upload: destination %q does not match remote %q", up.Destination, remote.ID())
		}
		up.Destination = remote.ID()
		if canAdd {
			dests.AddRemote(remote)
		}
		return up, nil
	}

	if up.Destination == "" {
		return nil, fmt.Errorf("upload: destination or remote is required")
	}
	if canAdd && !slices.Contains(dests.Destinations(), up.Destination) {
		return nil, fmt.Errorf("upload: unknown destination %q", up.Destination)
	}
	return up, nil
}

func namedTriggers(c registry.Context) (map[string]action.Trigger, error) {
	nodes, _ := c.NamedChildren("triggers")
	out := make(map[string]action.Trigger, len(nodes))
	for label, v := range nodes {
		t, ok := v.(action.Trigger)
		if !ok {
			return nil, fmt.Errorf("triggers.%s: %T is not a trigger", label, v)
		}
		out[label] = t
	}
	return out, nil
}

func namedActions(c registry.Context) (map[string]action.Action, error) {
	nodes, _ := c.NamedChildren("actions")
	out := make(map[string]action.Action, len(nodes))
	for label, v := range nodes {
		a, ok := v.(action.Action)
		if !ok {
			return nil, fmt.Errorf("actions.%s: %T is not an action", label, v)
		}
		out[label] = a
	}
	return out, nil
}

func httpRemoteFactory(deps Deps) registry.Factory {
	return func(c registry.Context) (any, error) {
		id, err := c.String("id", "")
		if err != nil {
			return nil, err
		}
		if id == "" {
			return nil, fmt.Errorf("id is required")
		}
		url, err := c.String("url", "")
		if err != nil {
			return nil, err
		}
		remote, err := archive.NewHTTPArchive(id, url, deps.HTTPClient)
		if err != nil {
			return nil, err
		}
		if v, ok := c.Spec.Config["headers"]; ok {
			headers, isObject := v.(ir.Object)
			if !isObject {
				return nil, fmt.Errorf("field %q: expected object, got %T", "headers", v)
			}
			for _, k := range headers.SortedKeys() {
				s, isString := headers[k].(ir.String)
				if !isString {
					return nil, fmt.Errorf("headers.%s: expected string, got %T", k, headers[k])
				}
				remote.SetHeader(k, string(s))
			}
		}
		return remote, nil
	}
}

func objectStoreRemoteFactory(deps Deps) registry.Factory {
	return func(c registry.Context) (any, error) {
		id, err := c.String("id", "")
		if err != nil {
			return nil, err
		}
		if id == "" {
			return nil, fmt.Errorf("id is required")
		}
		bucket, err := c.String("bucket", "funf-archive")
		if err != nil {
			return nil, err
		}
		return archive.NewObjectStoreArchive(id, deps.JetStream, bucket)
	}
}
