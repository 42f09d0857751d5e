package phase

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrder(t *testing.T) {
	all := All()
	require.Len(t, all, 7)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i-1].Before(all[i]), "%s should run before %s", all[i-1], all[i])
	}
}

func TestGated(t *testing.T) {
	gated := map[Phase]bool{
		Planning:     false,
		Design:       false,
		DesignReview: true,
		Code:         false,
		CodeReview:   true,
		Test:         true,
		Postmortem:   false,
	}
	for p, want := range gated {
		assert.Equal(t, want, p.Gated(), "phase %s", p)
	}
}

func TestNext(t *testing.T) {
	next, ok := Planning.Next()
	require.True(t, ok)
	assert.Equal(t, Design, next)

	_, ok = Postmortem.Next()
	assert.False(t, ok, "last phase has no successor")

	_, ok = Phase(99).Next()
	assert.False(t, ok)
}

func TestParseRoundTrip(t *testing.T) {
	for _, p := range All() {
		got, err := Parse(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}

	_, err := Parse("shipping")
	assert.Error(t, err)
}

func TestJSONRoundTrip(t *testing.T) {
	type wrapper struct {
		P Phase `json:"p"`
	}

	data, err := json.Marshal(wrapper{P: CodeReview})
	require.NoError(t, err)
	assert.JSONEq(t, `{"p":"code_review"}`, string(data))

	var w wrapper
	require.NoError(t, json.Unmarshal(data, &w))
	assert.Equal(t, CodeReview, w.P)

	err = json.Unmarshal([]byte(`{"p":"nope"}`), &w)
	assert.Error(t, err)
}
