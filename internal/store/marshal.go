package store

import (
	"encoding/json"
	"fmt"

	"github.com/funf-org/funf/internal/ir"
)

// marshalObject converts an Object to canonical JSON TEXT for storage.
func marshalObject(obj ir.Object) (string, error) {
	if obj == nil {
		return "{}", nil
	}
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("marshal object: %w", err)
	}
	return string(data), nil
}

// unmarshalObject parses JSON TEXT to an Object. Integers are decoded via
// json.Number so values beyond 2^53 survive.
func unmarshalObject(data string) (ir.Object, error) {
	if data == "" || data == "{}" {
		return ir.Object{}, nil
	}
	obj, err := ir.ParseObject([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal object: %w", err)
	}
	return obj, nil
}

// storedParams is the persisted form of ir.RunParams. Times are unix
// milliseconds so the row does not depend on time zone rendering.
type storedParams struct {
	PeriodMS   int64     `json:"period_ms,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	StartMS    int64     `json:"start_ms,omitempty"`
	EndMS      int64     `json:"end_ms,omitempty"`
	Extra      ir.Object `json:"extra,omitempty"`
	Requesters []string  `json:"requesters,omitempty"`
}

func marshalParams(p ir.RunParams) (string, error) {
	sp := storedParams{
		PeriodMS:   p.Schedule.Period.Milliseconds(),
		DurationMS: p.Schedule.Duration.Milliseconds(),
		StartMS:    toMillis(p.Schedule.Start),
		EndMS:      toMillis(p.Schedule.End),
		Extra:      p.Extra,
		Requesters: p.Requesters,
	}
	data, err := json.Marshal(sp)
	if err != nil {
		return "", fmt.Errorf("marshal params: %w", err)
	}
	return string(data), nil
}

func unmarshalParams(data string) (ir.RunParams, error) {
	var sp storedParams
	if err := json.Unmarshal([]byte(data), &sp); err != nil {
		return ir.RunParams{}, fmt.Errorf("unmarshal params: %w", err)
	}
	return ir.RunParams{
		Schedule: ir.Schedule{
			Period:   msDuration(sp.PeriodMS),
			Duration: msDuration(sp.DurationMS),
			Start:    fromMillis(sp.StartMS),
			End:      fromMillis(sp.EndMS),
		},
		Extra:      sp.Extra,
		Requesters: sp.Requesters,
	}, nil
}
