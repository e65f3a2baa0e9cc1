package conditions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changehook/internal/model"
)

func site() model.Snapshot {
	return model.Snapshot{
		"name":   model.String("DC-East"),
		"asn":    model.Int(65001),
		"status": model.Map(map[string]model.Value{"value": model.String("active")}),
		"tags":   model.List(model.String("core"), model.String("edge")),
		"tenant": model.Null(),
	}
}

func TestEmptyConditionsMatch(t *testing.T) {
	for _, raw := range []string{"", "null", "  ", "{}"} {
		assert.True(t, Matches([]byte(raw), site()), "raw=%q", raw)
	}
}

func TestLeafOperators(t *testing.T) {
	cases := []struct {
		raw  string
		want bool
	}{
		{`{"attr":"status.value","value":"active"}`, true},
		{`{"attr":"status.value","value":"planned"}`, false},
		{`{"attr":"status.value","value":"active","negate":true}`, false},
		{`{"attr":"asn","op":"gt","value":65000}`, true},
		{`{"attr":"asn","op":"gte","value":65001.0}`, true},
		{`{"attr":"asn","op":"lt","value":65001}`, false},
		{`{"attr":"asn","op":"lte","value":65001}`, true},
		{`{"attr":"name","op":"in","value":["DC-West","DC-East"]}`, true},
		{`{"attr":"tags","op":"contains","value":"edge"}`, true},
		{`{"attr":"name","op":"contains","value":"East"}`, true},
		{`{"attr":"name","op":"contains","value":"east"}`, false},
		{`{"attr":"tenant","value":null}`, true},
	}
	for _, tc := range cases {
		got, err := Evaluate([]byte(tc.raw), site())
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}

func TestSets(t *testing.T) {
	raw := `{"and":[
		{"attr":"status.value","value":"active"},
		{"or":[{"attr":"asn","op":"lt","value":100},{"not":{"attr":"name","value":"DC-West"}}]}
	]}`
	assert.True(t, Matches([]byte(raw), site()))

	raw = `{"or":[{"attr":"asn","value":1},{"attr":"asn","value":2}]}`
	assert.False(t, Matches([]byte(raw), site()))
}

func TestUnknownFieldNeverMatches(t *testing.T) {
	raw := []byte(`{"attr":"region.slug","value":"us-east"}`)
	ok, err := Evaluate(raw, site())
	assert.ErrorIs(t, err, ErrUnknownField)
	assert.False(t, ok)

	// negation does not turn an evaluation error into a match
	raw = []byte(`{"attr":"nope","value":"x","negate":true}`)
	assert.False(t, Matches(raw, site()))
	raw = []byte(`{"not":{"attr":"nope","value":"x"}}`)
	assert.False(t, Matches(raw, site()))
}

func TestTypeMismatch(t *testing.T) {
	ok, err := Evaluate([]byte(`{"attr":"name","op":"gt","value":3}`), site())
	assert.ErrorIs(t, err, ErrTypeMismatch)
	assert.False(t, ok)

	_, err = Evaluate([]byte(`{"attr":"asn","op":"contains","value":"6"}`), site())
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestInvalidExpressions(t *testing.T) {
	for _, raw := range []string{
		`[1,2]`,
		`{"attr":"name"}`,
		`{"value":"x"}`,
		`{"attr":"name","value":"x","op":"regex"}`,
		`{"attr":"name","value":"x","extra":1}`,
		`{"attr":"name","op":"in","value":"x"}`,
		`{"and":[]}`,
		`{"and":{"attr":"name","value":"x"}}`,
		`{"and":[{"attr":"name","value":"x"}],"or":[]}`,
		`{"not":[1]}`,
		`{"attr":"name","value":"x","negate":"yes"}`,
		`{bad json`,
	} {
		err := Validate([]byte(raw))
		assert.ErrorIs(t, err, ErrInvalidCondition, raw)
		assert.False(t, Matches([]byte(raw), site()), raw)
	}
}

func TestErrorInAnyBranchFailsSet(t *testing.T) {
	raw := []byte(`{"or":[{"attr":"name","value":"DC-East"},{"attr":"missing","value":1}]}`)
	ok, err := Evaluate(raw, site())
	assert.ErrorIs(t, err, ErrUnknownField)
	assert.False(t, ok)
}
