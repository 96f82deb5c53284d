package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funf-org/funf/internal/ir"
)

func TestContext_Seconds(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ir.Object
		want    time.Duration
		wantErr bool
	}{
		{"missing uses default", ir.Object{}, time.Minute, false},
		{"seconds", ir.Object{"interval": ir.Int(30)}, 30 * time.Second, false},
		{"largest duration", ir.Object{"interval": ir.Int(ir.MaxSeconds)}, time.Duration(ir.MaxSeconds) * time.Second, false},
		{"negative", ir.Object{"interval": ir.Int(-1)}, 0, true},
		{"overflow", ir.Object{"interval": ir.Int(ir.MaxSeconds + 1)}, 0, true},
		{"wrong type", ir.Object{"interval": ir.String("30")}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ctxFor("probe.A", tt.cfg).Seconds("interval", time.Minute)
			if tt.wantErr {
				assert.ErrorContains(t, err, `field "interval"`)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestContext_Strings(t *testing.T) {
	c := ctxFor("probe.A", ir.Object{
		"one":  ir.String("a"),
		"many": ir.Array{ir.String("a"), ir.String("b")},
		"bad":  ir.Array{ir.String("a"), ir.Int(1)},
	})

	got, err := c.Strings("one")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got)

	got, err = c.Strings("many")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	_, err = c.Strings("bad")
	assert.ErrorContains(t, err, `field "bad[1]"`)

	got, err = c.Strings("missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}
