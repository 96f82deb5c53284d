package ir

import "fmt"

// SourceSpec is an immutable (type, configuration) pair. Two specs with
// the same CanonicalConfig describe the same instance.
type SourceSpec struct {
	Type   string
	Config Object
}

// NewSourceSpec builds a spec from a type and configuration. The
// configuration is deep-copied so later mutation of cfg cannot change
// the source spec's identity.
func NewSourceSpec(typ string, cfg Object) SourceSpec {
	if cfg == nil {
		cfg = Object{}
	}
	return SourceSpec{Type: typ, Config: cfg.Clone()}
}

// CanonicalConfig returns the identity string for a spec: the type, a
// null separator, and the canonical JSON of the configuration with keys
// deep-sorted. Used as a cache and persistence key, never for display.
func CanonicalConfig(spec SourceSpec) (string, error) {
	if spec.Type == "" {
		return "", fmt.Errorf("canonical config: empty type")
	}
	cfg := spec.Config
	if cfg == nil {
		cfg = Object{}
	}
	body, err := MarshalCanonical(cfg)
	if err != nil {
		return "", fmt.Errorf("canonical config %s: %w", spec.Type, err)
	}
	return spec.Type + "\x00" + string(body), nil
}

// Equal reports whether two specs share type and canonical configuration.
func (s SourceSpec) Equal(other SourceSpec) bool {
	a, errA := CanonicalConfig(s)
	b, errB := CanonicalConfig(other)
	return errA == nil && errB == nil && a == b
}
