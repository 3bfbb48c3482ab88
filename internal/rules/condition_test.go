package rules

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, doc string) *Condition {
	t.Helper()
	c, err := ParseCondition(json.RawMessage(doc))
	require.NoError(t, err)
	return c
}

func TestStatusCodeOperators(t *testing.T) {
	ex := &Exchange{StatusCode: 429}

	require.True(t, mustParse(t, `{"type":"status_code","operator":"==","value":429}`).Match(ex))
	require.False(t, mustParse(t, `{"type":"status_code","operator":"==","value":500}`).Match(ex))
	require.True(t, mustParse(t, `{"type":"status_code","operator":">=","value":400}`).Match(ex))
	require.True(t, mustParse(t, `{"type":"status_code","operator":">","value":428}`).Match(ex))
	require.False(t, mustParse(t, `{"type":"status_code","operator":">","value":429}`).Match(ex))
}

func TestResponseBodyOperators(t *testing.T) {
	ex := &Exchange{Body: `{"error":{"message":"quota exceeded"}}`}

	require.True(t, mustParse(t, `{"type":"response_body","operator":"contains","value":"quota exceeded"}`).Match(ex))
	require.False(t, mustParse(t, `{"type":"response_body","operator":"contains","value":"invalid key"}`).Match(ex))
	require.True(t, mustParse(t, `{"type":"response_body","operator":"not_contains","value":"invalid key"}`).Match(ex))

	// Operator defaults to contains.
	require.True(t, mustParse(t, `{"type":"response_body","value":"quota"}`).Match(ex))
}

func TestResponseHeaderMatchIsCaseInsensitiveOnName(t *testing.T) {
	ex := &Exchange{Headers: map[string]string{"X-RateLimit-Remaining": "0"}}

	c := mustParse(t, `{"type":"response_header","header_name":"x-ratelimit-remaining","operator":"equals","value":"0"}`)
	require.True(t, c.Match(ex))

	c = mustParse(t, `{"type":"response_header","header_name":"X-Missing","operator":"equals","value":"0"}`)
	require.False(t, c.Match(ex))

	c = mustParse(t, `{"type":"response_header","header_name":"X-RateLimit-Remaining","operator":"contains","value":"0"}`)
	require.True(t, c.Match(ex))
}

func TestLatencyOperators(t *testing.T) {
	ex := &Exchange{LatencyMS: 1500}

	require.True(t, mustParse(t, `{"type":"latency","operator":"greater_than","value":1000}`).Match(ex))
	require.False(t, mustParse(t, `{"type":"latency","operator":"greater_than","value":1500}`).Match(ex))
	require.True(t, mustParse(t, `{"type":"latency","operator":"less_than","value":2000}`).Match(ex))
}

func TestJSONPathConditions(t *testing.T) {
	ex := &Exchange{Body: `{"error":{"code":"insufficient_quota","retryable":false},"n":3}`}

	require.True(t, mustParse(t, `{"type":"json_path","path":"error.code","operator":"equals","value":"insufficient_quota"}`).Match(ex))
	require.False(t, mustParse(t, `{"type":"json_path","path":"error.code","operator":"equals","value":"other"}`).Match(ex))
	require.True(t, mustParse(t, `{"type":"json_path","path":"n","operator":"equals","value":3}`).Match(ex))
	require.True(t, mustParse(t, `{"type":"json_path","path":"error.retryable","operator":"equals","value":false}`).Match(ex))
	require.True(t, mustParse(t, `{"type":"json_path","path":"error","operator":"exists"}`).Match(ex))
	require.False(t, mustParse(t, `{"type":"json_path","path":"missing.deep","operator":"exists"}`).Match(ex))

	// Non-JSON body never matches.
	require.False(t, mustParse(t, `{"type":"json_path","path":"error","operator":"exists"}`).Match(&Exchange{Body: "plain text"}))
}

func TestCompositeConditions(t *testing.T) {
	ex := &Exchange{StatusCode: 429, Body: "quota exceeded"}

	and := mustParse(t, `{"type":"composite","logic":"AND","conditions":[
		{"type":"status_code","operator":"==","value":429},
		{"type":"response_body","operator":"contains","value":"quota"}
	]}`)
	require.True(t, and.Match(ex))

	and = mustParse(t, `{"type":"composite","logic":"and","conditions":[
		{"type":"status_code","operator":"==","value":429},
		{"type":"response_body","operator":"contains","value":"nope"}
	]}`)
	require.False(t, and.Match(ex))

	or := mustParse(t, `{"type":"composite","logic":"OR","conditions":[
		{"type":"status_code","operator":"==","value":500},
		{"type":"response_body","operator":"contains","value":"quota"}
	]}`)
	require.True(t, or.Match(ex))
}

func TestParseRejectsMalformedConditions(t *testing.T) {
	cases := map[string]string{
		"unknown type":       `{"type":"regex","value":"x"}`,
		"unknown operator":   `{"type":"status_code","operator":"!=","value":500}`,
		"missing value":      `{"type":"status_code","operator":"=="}`,
		"bad value type":     `{"type":"status_code","operator":"==","value":"five hundred"}`,
		"missing header":     `{"type":"response_header","operator":"equals","value":"x"}`,
		"missing path":       `{"type":"json_path","operator":"exists"}`,
		"bad logic":          `{"type":"composite","logic":"XOR","conditions":[{"type":"status_code","operator":"==","value":1}]}`,
		"empty composite":    `{"type":"composite","logic":"AND","conditions":[]}`,
		"malformed child":    `{"type":"composite","logic":"AND","conditions":[{"type":"nope"}]}`,
		"empty document":     ``,
		"not an object":      `"status_code"`,
		"latency bad op":     `{"type":"latency","operator":">","value":10}`,
		"header unknown op":  `{"type":"response_header","header_name":"X","operator":"not_contains","value":"x"}`,
	}
	for name, doc := range cases {
		_, err := ParseCondition(json.RawMessage(doc))
		var ce *ConditionError
		require.ErrorAs(t, err, &ce, name)
	}
}
