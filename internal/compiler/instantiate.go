package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/funf-org/funf/internal/action"
	"github.com/funf-org/funf/internal/datasource"
	"github.com/funf-org/funf/internal/ir"
	"github.com/funf-org/funf/internal/metric"
	"github.com/funf-org/funf/internal/probe"
	"github.com/funf-org/funf/internal/registry"
)

// Node is one instance built from a document.
type Node struct {
	Kind  registry.Kind
	Spec  ir.SourceSpec
	Path  string
	Value any
}

// Result is the outcome of compiling one document. It owns every node it
// built; Teardown releases them together.
type Result struct {
	// Root is the instance built from the document root. A root without
	// @type is a map of named roots and yields map[string]any.
	Root any
	// Doc is the rewritten document.
	Doc    ir.Object
	Nodes  []Node
	Errors []error

	mu       sync.Mutex
	tornDown bool
}

// Err joins every error of the compilation.
func (r *Result) Err() error {
	return errors.Join(r.Errors...)
}

// Teardown stops or destroys every node, most recently built first.
// Calling it again is a no-op.
func (r *Result) Teardown(ctx context.Context) error {
	r.mu.Lock()
	if r.tornDown {
		r.mu.Unlock()
		return nil
	}
	r.tornDown = true
	nodes := slices.Clone(r.Nodes)
	r.mu.Unlock()

	var errs []error
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		var err error
		switch v := n.Value.(type) {
		case action.Destroyer:
			err = v.Destroy(ctx)
		case datasource.DataSource:
			err = v.Stop(ctx)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Path, err))
		}
	}
	return errors.Join(errs...)
}

// Compiler turns configuration documents into live nodes.
type Compiler struct {
	reg     *registry.Registry
	logger  *slog.Logger
	metrics *metric.Metrics
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithLogger sets the logger configuration errors are reported to.
func WithLogger(l *slog.Logger) Option {
	return func(c *Compiler) { c.logger = l }
}

// WithMetrics counts configuration errors.
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Compiler) { c.metrics = m }
}

// New creates a compiler dispatching on the types of reg.
func New(reg *registry.Registry, opts ...Option) *Compiler {
	c := &Compiler{reg: reg, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Rewrite resolves the directives of doc against the compiler's types.
func (c *Compiler) Rewrite(doc ir.Object) (ir.Object, []error) {
	return Rewrite(doc, c.reg)
}

// Compile rewrites doc and instantiates it. Bad nodes are skipped and
// reported in Result.Errors; the rest of the document is still built.
func (c *Compiler) Compile(ctx context.Context, doc ir.Object) *Result {
	rewritten, errs := c.Rewrite(doc)
	res := &Result{Doc: rewritten, Errors: errs}

	if isNode(rewritten) {
		v, err := c.build(ctx, res, rewritten, "$")
		if err != nil {
			res.Errors = append(res.Errors, err)
		}
		res.Root = v
	} else {
		roots := make(map[string]any, len(rewritten))
		for _, name := range rewritten.SortedKeys() {
			v, err := c.build(ctx, res, rewritten[name], "$."+name)
			if err != nil {
				res.Errors = append(res.Errors, err)
				continue
			}
			roots[name] = v
		}
		res.Root = roots
	}

	for _, err := range res.Errors {
		c.logger.Warn("configuration error", "error", err)
	}
	c.metrics.RecordConfigErrors(len(res.Errors))
	return res
}

// build instantiates one node. Data source lifecycles are wrapped in a
// ProbeSource whose requester id is the node path, so every declaration
// keeps its own request on the shared lifecycle.
func (c *Compiler) build(ctx context.Context, res *Result, node ir.Value, path string) (any, error) {
	obj, ok := node.(ir.Object)
	if !ok {
		return nil, configErrorf(ErrCodeNotANode, path, "expected a node object, got %T", node)
	}
	if msg, ok := obj[KeyInvalid]; ok {
		return nil, configErrorf(ErrCodeBadDirective, path, "node skipped: %s", ir.ToGo(msg))
	}
	t, ok := obj[KeyType].(ir.String)
	if !ok {
		return nil, configErrorf(ErrCodeNotANode, path, "missing %s", KeyType)
	}

	spec := ir.SourceSpec{Type: string(t), Config: obj.Without(KeyType)}
	rc := registry.Context{
		Ctx:  ctx,
		Spec: spec,
		Path: path,
		Build: func(child ir.Value, childPath string) (any, error) {
			return c.build(ctx, res, child, childPath)
		},
		Report: func(err error) {
			res.mu.Lock()
			res.Errors = append(res.Errors, err)
			res.mu.Unlock()
		},
	}

	v, err := c.reg.Get(rc)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownType) {
			return nil, configErrorf(ErrCodeUnknownType, path, "unknown type %q", spec.Type)
		}
		var ce *ConfigError
		if errors.As(err, &ce) {
			// A nested node failed; its error already names its path.
			return nil, &ConfigError{Code: ErrCodeBuild, Path: path, Message: "nested node failed", Err: err}
		}
		return nil, &ConfigError{Code: ErrCodeBuild, Path: path, Err: err}
	}

	if lc, ok := v.(*probe.Lifecycle); ok {
		v = datasource.NewProbeSource(lc, path, ir.Schedule{})
	}

	reg, _ := c.reg.Lookup(spec.Type)
	res.mu.Lock()
	res.Nodes = append(res.Nodes, Node{Kind: reg.Kind, Spec: spec, Path: path, Value: v})
	res.mu.Unlock()
	return v, nil
}
