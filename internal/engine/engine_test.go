package engine

import (
	"testing"

	"tickengine/pkg/types"
)

func TestAttrNameCoversAllAttrs(t *testing.T) {
	t.Parallel()
	attrs := []types.RowChangedAttr{
		types.AttrCEPrice,
		types.AttrPEPrice,
		types.AttrStraddle,
		types.AttrATM,
		types.AttrHistogram,
		types.AttrVWAP,
		types.AttrStatus,
	}
	seen := make(map[string]bool)
	for _, a := range attrs {
		name := attrName(a)
		if name == "unknown" {
			t.Errorf("attrName(%v) = %q, want a named mapping", a, name)
		}
		if seen[name] {
			t.Errorf("attrName produced duplicate name %q", name)
		}
		seen[name] = true
	}
}

func TestAttrNameUnknownFallsBackSafely(t *testing.T) {
	t.Parallel()
	if got := attrName(types.RowChangedAttr(99)); got != "unknown" {
		t.Errorf("attrName(99) = %q, want %q", got, "unknown")
	}
}
