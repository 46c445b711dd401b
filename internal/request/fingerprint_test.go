package request

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONSortsMappingKeys(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "c": []any{map[string]any{"y": true, "x": false}}}
	b := map[string]any{"c": []any{map[string]any{"x": false, "y": true}}, "a": 1, "b": 2}

	ca, err := CanonicalJSON(a)
	require.NoError(t, err)
	cb, err := CanonicalJSON(b)
	require.NoError(t, err)
	assert.Equal(t, string(ca), string(cb))
	assert.Equal(t, `{"a":1,"b":2,"c":[{"x":false,"y":true}]}`, string(ca))
}

func TestCanonicalJSONNumberEncoding(t *testing.T) {
	// A JSON decoder yields float64(3) where a YAML decoder yields int(3);
	// both must canonicalize identically.
	ca, err := CanonicalJSON(map[string]any{"n": float64(3)})
	require.NoError(t, err)
	cb, err := CanonicalJSON(map[string]any{"n": 3})
	require.NoError(t, err)
	assert.Equal(t, string(ca), string(cb))

	cc, err := CanonicalJSON(map[string]any{"n": 3.5})
	require.NoError(t, err)
	assert.NotEqual(t, string(ca), string(cc))
}

func TestCanonicalJSONRejectsUnencodableValues(t *testing.T) {
	for name, payload := range map[string]any{
		"nan":       map[string]any{"v": math.NaN()},
		"inf":       map[string]any{"v": math.Inf(1)},
		"func":      map[string]any{"v": func() {}},
		"nested":    map[string]any{"a": []any{1, map[string]any{"b": math.NaN()}}},
		"seq_float": []any{math.Inf(-1)},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := CanonicalJSON(payload)
			var serr *SerializationError
			require.ErrorAs(t, err, &serr)
		})
	}
}

func TestFingerprintIgnoresKeyInsertionOrder(t *testing.T) {
	r1 := Request{
		Provider:      "lpg",
		Config:        map[string]any{"a": 1, "b": 2},
		RequiredFiles: map[string]FileRequirement{"out.csv": Required, "sum.csv": Optional},
	}
	r2 := Request{
		Provider:      "lpg",
		Config:        map[string]any{"b": 2, "a": 1},
		RequiredFiles: map[string]FileRequirement{"sum.csv": Optional, "out.csv": Required},
	}
	f1, err := Fingerprint(r1)
	require.NoError(t, err)
	f2, err := Fingerprint(r2)
	require.NoError(t, err)
	assert.Equal(t, f1, f2)
	assert.Len(t, f1, 64)
}

func TestFingerprintDistinguishesRequests(t *testing.T) {
	base := Request{Provider: "lpg", Config: map[string]any{"a": 1}}

	variants := []Request{
		{Provider: "lpg", Config: map[string]any{"a": 2}},
		{Provider: "hisim", Config: map[string]any{"a": 1}},
		{Provider: "lpg", Config: map[string]any{"a": 1}, GUID: "g1"},
		{Provider: "lpg", Config: map[string]any{"a": 1},
			RequiredFiles: map[string]FileRequirement{"out.csv": Required}},
		{Provider: "lpg", Config: map[string]any{"a": 1},
			RequiredFiles: map[string]FileRequirement{"out.csv": Optional}},
		{Provider: "lpg", Config: map[string]any{"a": 1},
			InputFiles: map[string][]byte{"in.json": []byte("{}")}},
	}

	fp, err := Fingerprint(base)
	require.NoError(t, err)
	for i, v := range variants {
		got, err := Fingerprint(v)
		require.NoError(t, err)
		assert.NotEqual(t, fp, got, "variant %d should differ from base", i)
	}
}

func TestFingerprintRandomizedCorpusHasNoCollisions(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	seen := make(map[string]string)
	for i := 0; i < 2000; i++ {
		cfg := map[string]any{
			"id":    i,
			"ratio": rng.Float64(),
			"tags":  []any{fmt.Sprintf("t%d", rng.Intn(1000)), rng.Intn(2) == 0},
			"nested": map[string]any{
				"depth": rng.Intn(100),
			},
		}
		fp, err := Fingerprint(Request{Provider: "lpg", Config: cfg})
		require.NoError(t, err)
		if prev, ok := seen[fp]; ok {
			t.Fatalf("collision between payload %d and %s", i, prev)
		}
		seen[fp] = fmt.Sprintf("payload %d", i)
	}
}

func TestFingerprintSurfacesSerializationError(t *testing.T) {
	_, err := Fingerprint(Request{Provider: "lpg", Config: map[string]any{"v": math.NaN()}})
	var serr *SerializationError
	require.ErrorAs(t, err, &serr)
}
