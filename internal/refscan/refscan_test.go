package refscan_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/planguard/control-plane/internal/refscan"
	"github.com/planguard/control-plane/pkg/models"
)

func TestScan_NestedValues(t *testing.T) {
	a := uuid.New().String()
	b := uuid.New().String()
	c := uuid.New().String()

	args := map[string]interface{}{
		"doc": a,
		"nested": map[string]interface{}{
			"list": []interface{}{"prefix " + b + " suffix", 42.0, nil, true},
		},
		"tags": []string{c, a},
	}

	got := refscan.Scan(args)
	assert.ElementsMatch(t, []string{a, b, c}, got)
}

func TestScan_Deduplicates(t *testing.T) {
	id := uuid.New().String()
	got := refscan.Scan(map[string]interface{}{"x": id, "y": id}, []interface{}{id})
	assert.Equal(t, []string{id}, got)
}

func TestScan_NormalisesCase(t *testing.T) {
	id := uuid.New().String()
	upper := []byte(id)
	for i, ch := range upper {
		if ch >= 'a' && ch <= 'f' {
			upper[i] = ch - 32
		}
	}
	got := refscan.Scan(string(upper))
	assert.Equal(t, []string{id}, got)
}

func TestScan_IgnoresNonIDs(t *testing.T) {
	got := refscan.Scan(map[string]interface{}{
		"short": "abc",
		"almost": "zzzzzzzz-zzzz-zzzz-zzzz-zzzzzzzzzzzz",
		"num":   3.14,
	})
	assert.Empty(t, got)
}

func TestScan_TypedStructs(t *testing.T) {
	id := uuid.New().String()
	ev := models.Event{Produces: []string{id}}
	got := refscan.Scan(ev)
	assert.Contains(t, got, id)
}

func TestScan_MapKeys(t *testing.T) {
	id := uuid.New().String()
	got := refscan.Scan(map[string]interface{}{id: "value"})
	assert.Equal(t, []string{id}, got)
}

func TestIsEntityID(t *testing.T) {
	assert.True(t, refscan.IsEntityID(uuid.New().String()))
	assert.False(t, refscan.IsEntityID("not-an-id"))
	assert.False(t, refscan.IsEntityID(uuid.New().String()+"x"))
}
