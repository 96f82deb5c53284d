package registry

import (
	"fmt"
	"time"

	"github.com/funf-org/funf/internal/ir"
)

// Typed accessors over the node configuration. A missing key yields the
// default; a present key of the wrong type is an error.

func (c Context) String(key, def string) (string, error) {
	v, ok := c.Spec.Config[key]
	if !ok {
		return def, nil
	}
	s, ok := v.(ir.String)
	if !ok {
		return "", fieldError(key, "string", v)
	}
	return string(s), nil
}

func (c Context) Int(key string, def int64) (int64, error) {
	v, ok := c.Spec.Config[key]
	if !ok {
		return def, nil
	}
	n, ok := v.(ir.Int)
	if !ok {
		return 0, fieldError(key, "integer", v)
	}
	return int64(n), nil
}

func (c Context) Bool(key string, def bool) (bool, error) {
	v, ok := c.Spec.Config[key]
	if !ok {
		return def, nil
	}
	b, ok := v.(ir.Bool)
	if !ok {
		return false, fieldError(key, "boolean", v)
	}
	return bool(b), nil
}

// Seconds reads an integer number of seconds.
func (c Context) Seconds(key string, def time.Duration) (time.Duration, error) {
	v, ok := c.Spec.Config[key]
	if !ok {
		return def, nil
	}
	n, ok := v.(ir.Int)
	if !ok || n < 0 || int64(n) > ir.MaxSeconds {
		return 0, fieldError(key, "non-negative integer (seconds)", v)
	}
	return time.Duration(n) * time.Second, nil
}

// Strings reads an array of strings. A single string is accepted as a
// one-element list.
func (c Context) Strings(key string) ([]string, error) {
	v, ok := c.Spec.Config[key]
	if !ok {
		return nil, nil
	}
	switch val := v.(type) {
	case ir.String:
		return []string{string(val)}, nil
	case ir.Array:
		out := make([]string, 0, len(val))
		for i, elem := range val {
			s, ok := elem.(ir.String)
			if !ok {
				return nil, fieldError(fmt.Sprintf("%s[%d]", key, i), "string", elem)
			}
			out = append(out, string(s))
		}
		return out, nil
	default:
		return nil, fieldError(key, "string array", v)
	}
}

// Child instantiates the node stored under key. ok is false when the key
// is absent.
func (c Context) Child(key string) (v any, ok bool, err error) {
	node, present := c.Spec.Config[key]
	if !present {
		return nil, false, nil
	}
	if c.Build == nil {
		return nil, true, fmt.Errorf("%s: nested nodes are not supported here", key)
	}
	v, err = c.Build(node, c.Path+"."+key)
	return v, true, err
}

// Children instantiates every element of the array stored under key. A
// single object is treated as a one-element array. Elements that fail to
// build are skipped; their errors are reported and returned alongside the
// rest.
func (c Context) Children(key string) ([]any, []error) {
	node, present := c.Spec.Config[key]
	if !present {
		return nil, nil
	}
	if c.Build == nil {
		return nil, []error{fmt.Errorf("%s: nested nodes are not supported here", key)}
	}
	elems, ok := node.(ir.Array)
	if !ok {
		elems = ir.Array{node}
	}
	var (
		out  []any
		errs []error
	)
	for i, elem := range elems {
		v, err := c.Build(elem, fmt.Sprintf("%s.%s[%d]", c.Path, key, i))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, v)
	}
	c.report(errs...)
	return out, errs
}

// NamedChildren instantiates every entry of the object stored under key,
// keyed by label. Entries that fail are skipped and reported.
func (c Context) NamedChildren(key string) (map[string]any, []error) {
	node, present := c.Spec.Config[key]
	if !present {
		return map[string]any{}, nil
	}
	obj, ok := node.(ir.Object)
	if !ok {
		return map[string]any{}, []error{fieldError(key, "object", node)}
	}
	if c.Build == nil {
		return map[string]any{}, []error{fmt.Errorf("%s: nested nodes are not supported here", key)}
	}
	out := make(map[string]any, len(obj))
	var errs []error
	for _, label := range obj.SortedKeys() {
		v, err := c.Build(obj[label], c.Path+"."+key+"."+label)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[label] = v
	}
	c.report(errs...)
	return out, errs
}

func fieldError(key, want string, got ir.Value) error {
	return fmt.Errorf("field %q: expected %s, got %T", key, want, got)
}
