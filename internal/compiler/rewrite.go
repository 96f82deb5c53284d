package compiler

import (
	"fmt"
	"strings"

	"github.com/funf-org/funf/internal/ir"
	"github.com/funf-org/funf/internal/registry"
)

// Directive keys. They never reach a factory: Rewrite consumes them and
// leaves only @type (and @invalid on nodes it had to give up on).
const (
	KeyType     = "@type"
	KeyProbe    = "@probe"
	KeySchedule = "@schedule"
	KeyFilter   = "@filter"
	KeyAction   = "@action"
	KeyTrigger  = "@trigger"
	KeyInvalid  = "@invalid"
)

// Types the rewrite synthesizes.
const (
	TypeComposite     = "datasource.Composite"
	TypeDefaultTimer  = "probe.Alarm"
	TypeStartStop     = "action.StartStop"
	TypeDuration      = "action.Duration"
	TypeActionAdapter = "filter.ActionAdapter"
)

var kindPrefix = map[registry.Kind]string{
	registry.KindDataSource: "probe.",
	registry.KindFilter:     "filter.",
	registry.KindAction:     "action.",
	registry.KindTrigger:    "trigger.",
	registry.KindPipeline:   "pipeline.",
	registry.KindRemote:     "remote.",
}

// Qualify prefixes a bare type name with the prefix of kind. A name that
// contains a dot is already qualified.
func Qualify(name string, kind registry.Kind) string {
	if strings.Contains(name, ".") {
		return name
	}
	return kindPrefix[kind] + name
}

// fieldKind is the kind of nodes found under key. Keys that carry no
// category fall back to data source under a node and keep the inherited
// kind under a plain map, so label maps such as "actions" pass their kind
// on to their entries.
func fieldKind(key string, inherited registry.Kind, underNode bool) registry.Kind {
	switch key {
	case "filters", KeyFilter:
		return registry.KindFilter
	case "action", "actions", KeyAction, KeyTrigger:
		return registry.KindAction
	case "triggers":
		return registry.KindTrigger
	case "remote":
		return registry.KindRemote
	case KeySchedule:
		return registry.KindDataSource
	}
	if underNode {
		return registry.KindDataSource
	}
	return inherited
}

// TypeLookup resolves registered types. *registry.Registry implements it.
type TypeLookup interface {
	Lookup(name string) (registry.Registration, bool)
}

type rewriter struct {
	types TypeLookup
	errs  []error
}

// Rewrite resolves every directive of doc, children first, and returns a
// new document in which each node carries a qualified @type and nothing
// else the factories do not understand. doc is not modified.
//
// Problems are collected rather than returned early: a node that cannot
// be rewritten is marked @invalid and the rest of the document is still
// processed. types resolves @action targets; when nil every action is
// wrapped in an adapter unchecked.
func Rewrite(doc ir.Object, types TypeLookup) (ir.Object, []error) {
	rw := &rewriter{types: types}
	out := rw.object(doc, "$", registry.KindPipeline)
	return out, rw.errs
}

func (rw *rewriter) fail(node ir.Object, err *ConfigError) {
	rw.errs = append(rw.errs, err)
	node[KeyInvalid] = ir.String(err.Message)
}

func (rw *rewriter) value(v ir.Value, path string, kind registry.Kind) ir.Value {
	switch val := v.(type) {
	case ir.Object:
		return rw.object(val, path, kind)
	case ir.Array:
		out := make(ir.Array, len(val))
		for i, elem := range val {
			out[i] = rw.value(elem, fmt.Sprintf("%s[%d]", path, i), kind)
		}
		return out
	default:
		return v
	}
}

func isNode(obj ir.Object) bool {
	return obj.Has(KeyType) || obj.Has(KeyProbe)
}

func (rw *rewriter) object(obj ir.Object, path string, kind registry.Kind) ir.Object {
	node := isNode(obj)
	out := make(ir.Object, len(obj))
	for _, key := range obj.SortedKeys() {
		out[key] = rw.value(obj[key], path+"."+key, fieldKind(key, kind, node))
	}

	if !rw.qualifyType(out, path, kind) {
		return out
	}
	source := kind == registry.KindDataSource && out.Has(KeyType)
	if obj.Has(KeyProbe) {
		source = true
	}

	if out.Has(KeySchedule) {
		var ok bool
		if out, ok = rw.schedule(out, path, source); !ok {
			return out
		}
	}
	if out.Has(KeyFilter) {
		filters, ok := rw.filters(out, path)
		if !ok {
			return out
		}
		out = splice(out.Without(KeyFilter), filters)
	}
	if out.Has(KeyAction) {
		consumer, ok := rw.action(out, path)
		if !ok {
			return out
		}
		out = splice(out.Without(KeyAction), ir.Array{consumer})
	}
	return out
}

// qualifyType replaces an @probe shorthand by @type and qualifies @type
// with the prefix of kind.
func (rw *rewriter) qualifyType(out ir.Object, path string, kind registry.Kind) bool {
	if p, ok := out[KeyProbe]; ok {
		delete(out, KeyProbe)
		if out.Has(KeyType) {
			rw.fail(out, configErrorf(ErrCodeBadDirective, path, "%s and %s are both set", KeyProbe, KeyType))
			return false
		}
		name, ok := p.(ir.String)
		if !ok || name == "" {
			rw.fail(out, configErrorf(ErrCodeBadDirective, path, "%s must be a type name", KeyProbe))
			return false
		}
		out[KeyType] = ir.String(Qualify(string(name), registry.KindDataSource))
		return true
	}
	t, ok := out[KeyType]
	if !ok {
		return true
	}
	name, ok := t.(ir.String)
	if !ok || name == "" {
		rw.fail(out, configErrorf(ErrCodeBadDirective, path, "%s must be a type name", KeyType))
		return false
	}
	out[KeyType] = ir.String(Qualify(string(name), kind))
	return true
}

// schedule handles @schedule. On a data source the node is replaced by a
// composite whose timer fires an action driving the node; anywhere else
// the timer becomes a plain "schedule" field.
func (rw *rewriter) schedule(out ir.Object, path string, source bool) (ir.Object, bool) {
	sched, ok := out[KeySchedule].(ir.Object)
	if !ok {
		rw.fail(out, configErrorf(ErrCodeBadDirective, path+"."+KeySchedule, "%s must be an object", KeySchedule))
		return out, false
	}
	sched = sched.Clone()
	if !sched.Has(KeyType) {
		sched[KeyType] = ir.String(TypeDefaultTimer)
	}

	if !source {
		return out.Without(KeySchedule).With("schedule", sched), true
	}

	trigger, hasTrigger := sched[KeyTrigger]
	duration, hasDuration := sched["duration"]
	sched = sched.Without(KeyTrigger, "duration")
	target := out.Without(KeySchedule, KeyFilter, KeyAction)

	var act ir.Object
	switch {
	case hasTrigger:
		override, ok := trigger.(ir.Object)
		if !ok || !override.Has(KeyType) {
			rw.fail(out, configErrorf(ErrCodeBadDirective, path+"."+KeySchedule+"."+KeyTrigger, "%s must be an action node", KeyTrigger))
			return out, false
		}
		act = override.Clone()
		if !act.Has("source") {
			act["source"] = target
		}
	case hasDuration:
		act = ir.Object{KeyType: ir.String(TypeDuration), "source": target, "duration": duration}
	default:
		act = ir.Object{KeyType: ir.String(TypeStartStop), "source": target}
	}

	composite := ir.Object{
		KeyType:  ir.String(TypeComposite),
		"source": sched,
		"action": act,
	}
	for _, key := range []string{KeyFilter, KeyAction} {
		if v, ok := out[key]; ok {
			composite[key] = v
		}
	}
	return composite, true
}

func (rw *rewriter) filters(out ir.Object, path string) (ir.Array, bool) {
	elems, ok := out[KeyFilter].(ir.Array)
	if !ok {
		elems = ir.Array{out[KeyFilter]}
	}
	for i, elem := range elems {
		f, ok := elem.(ir.Object)
		if !ok || !f.Has(KeyType) {
			rw.fail(out, configErrorf(ErrCodeBadDirective, fmt.Sprintf("%s.%s[%d]", path, KeyFilter, i), "filter must be a node with %s", KeyType))
			return nil, false
		}
	}
	return elems, true
}

// action resolves the @action target. Types registered as filters
// consume records directly; anything else is wrapped in an adapter.
func (rw *rewriter) action(out ir.Object, path string) (ir.Value, bool) {
	at := path + "." + KeyAction
	act, ok := out[KeyAction].(ir.Object)
	if !ok || !act.Has(KeyType) {
		rw.fail(out, configErrorf(ErrCodeBadDirective, at, "%s must be a node with %s", KeyAction, KeyType))
		return nil, false
	}
	name, _ := act[KeyType].(ir.String)
	if rw.types == nil {
		return ir.Object{KeyType: ir.String(TypeActionAdapter), "action": act}, true
	}
	reg, ok := rw.types.Lookup(string(name))
	if !ok {
		rw.fail(out, configErrorf(ErrCodeUnresolvedType, at, "unknown action type %q", name))
		return nil, false
	}
	if reg.Kind == registry.KindFilter {
		return act, true
	}
	return ir.Object{KeyType: ir.String(TypeActionAdapter), "action": act}, true
}

// splice puts filters in front of the filter chain of a composite, or
// wraps node in a new composite.
func splice(node ir.Object, filters ir.Array) ir.Object {
	if t, _ := node[KeyType].(ir.String); t == TypeComposite {
		existing, _ := node["filters"].(ir.Array)
		chain := make(ir.Array, 0, len(filters)+len(existing))
		chain = append(chain, filters...)
		chain = append(chain, existing...)
		return node.With("filters", chain)
	}
	return ir.Object{
		KeyType:   ir.String(TypeComposite),
		"source":  node,
		"filters": filters,
	}
}
