package workflow

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parcela.org/internal/errs"
)

func TestValueText(t *testing.T) {
	ts := time.Date(2024, 3, 1, 9, 30, 0, 0, time.FixedZone("X", 3600))
	cases := []struct {
		v    Value
		want string
		ok   bool
	}{
		{String("Bob"), "Bob", true},
		{Number(1250.5), "1250.5", true},
		{Number(3), "3", true},
		{Bool(true), "true", true},
		{Timestamp(ts), "2024-03-01T08:30:00Z", true},
		{Null(), "", false},
	}
	for _, tc := range cases {
		got, ok := tc.v.Text()
		assert.Equal(t, tc.want, got, tc.v.Kind().String())
		assert.Equal(t, tc.ok, ok, tc.v.Kind().String())
	}
	assert.Nil(t, Null().TextPtr())
}

func TestValueJSON(t *testing.T) {
	var c Changes
	raw := `{
		"registeredOwner": {"fieldName": "ignored", "oldValue": "Alice", "newValue": "Bob"},
		"areaSqm": {"oldValue": 120, "newValue": 125.5},
		"mortgaged": {"oldValue": false, "newValue": true},
		"surveyedAt": {"oldValue": null, "newValue": {"timestamp": "2024-01-02T03:04:05Z"}}
	}`
	require.NoError(t, json.Unmarshal([]byte(raw), &c))
	require.Len(t, c, 4)

	assert.True(t, c["registeredOwner"].New.Equal(String("Bob")))
	assert.True(t, c["areaSqm"].New.Equal(Number(125.5)))
	assert.True(t, c["mortgaged"].New.Equal(Bool(true)))
	assert.True(t, c["surveyedAt"].Old.IsNull())
	assert.Equal(t, KindTimestamp, c["surveyedAt"].New.Kind())
	assert.Equal(t, []string{"areaSqm", "mortgaged", "registeredOwner", "surveyedAt"}, c.Fields())

	out, err := json.Marshal(c)
	require.NoError(t, err)
	var back Changes
	require.NoError(t, json.Unmarshal(out, &back))
	for name, fc := range c {
		assert.True(t, fc.Old.Equal(back[name].Old), name)
		assert.True(t, fc.New.Equal(back[name].New), name)
	}
	assert.Contains(t, string(out), `"fieldName":"registeredOwner"`)
}

func TestValueRejectsDocuments(t *testing.T) {
	for _, raw := range []string{`[1,2]`, `{"a":1}`, `{"timestamp":"yesterday"}`, `{"timestamp":"2024-01-01T00:00:00Z","x":1}`} {
		var v Value
		err := json.Unmarshal([]byte(raw), &v)
		require.Error(t, err, raw)
		assert.True(t, errors.Is(err, errs.ErrInvalidInput), raw)
	}
}

func TestChangesRequireBothSides(t *testing.T) {
	for _, raw := range []string{
		`{"registeredOwner": {"oldValue": "Alice", "new_value": "Bob"}}`,
		`{"registeredOwner": {"oldValue": "Alice"}}`,
		`{"registeredOwner": {"newValue": "Bob"}}`,
		`{"registeredOwner": {"oldValue": "Alice", "newValue": "Bob", "note": "x"}}`,
		`{"registeredOwner": null}`,
		`{"registeredOwner": "Bob"}`,
		`{" registeredOwner": {"oldValue": "Alice", "newValue": "Bob"}}`,
		`{"registeredOwner ": {"oldValue": "Alice", "newValue": "Bob"}}`,
	} {
		var c Changes
		err := json.Unmarshal([]byte(raw), &c)
		assert.True(t, errors.Is(err, errs.ErrInvalidInput), "%s: %v", raw, err)
	}

	var c Changes
	require.NoError(t, json.Unmarshal([]byte(`{"encumbrance": {"oldValue": "mortgage", "newValue": null}}`), &c))
	require.Contains(t, c, "encumbrance")
	assert.True(t, c["encumbrance"].New.IsNull())
	assert.True(t, c["encumbrance"].Old.Equal(String("mortgage")))
}

func TestChangesValidate(t *testing.T) {
	assert.True(t, errors.Is(Changes{}.Validate(), errs.ErrInvalidInput))
	assert.True(t, errors.Is(Changes{"bad name": {}}.Validate(), errs.ErrInvalidInput))
	assert.True(t, errors.Is(Changes{"1field": {}}.Validate(), errs.ErrInvalidInput))
	assert.NoError(t, Changes{"registeredOwner": {New: String("Bob")}}.Validate())
}

func TestEnumsAreClosed(t *testing.T) {
	_, err := ParseStatus("DONE")
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))
	_, err = ParsePriority("CRITICAL")
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))
	_, err = ParseType("MERGE")
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))
	_, err = ParseDecision("APPROVE")
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)
}
