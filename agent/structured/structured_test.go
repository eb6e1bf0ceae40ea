package structured

import (
	"context"
	"errors"
	"testing"

	"github.com/BaSui01/agentjobs/testutil/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type verdict struct {
	Done     bool     `json:"done"`
	Progress int      `json:"progress"`
	Notes    []string `json:"notes"`
}

func verdictSchema() *JSONSchema {
	return NewObjectSchema().
		AddProperty("done", NewBooleanSchema()).
		AddProperty("progress", NewIntegerSchema().WithRange(0, 100)).
		AddProperty("notes", NewArraySchema(NewStringSchema())).
		AddRequired("done", "progress")
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced", "Here:\n```json\n{\"a\":1}\n```\nthanks", `{"a":1}`},
		{"bare fence", "```\n[1,2]\n```", `[1,2]`},
		{"prose", `Sure! {"a":{"b":2}} done`, `{"a":{"b":2}}`},
		{"array", `list: [1, 2]`, `[1, 2]`},
		{"none", `nothing`, `nothing`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.in))
		})
	}
}

func TestValidator(t *testing.T) {
	v := NewValidator()
	s := verdictSchema()

	assert.NoError(t, v.Validate([]byte(`{"done":true,"progress":40,"notes":["a"]}`), s))

	err := v.Validate([]byte(`{"done":"yes","progress":140,"notes":[1]}`), s)
	require.Error(t, err)
	var ve *ValidationErrors
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 3)

	err = v.Validate([]byte(`{"progress":1.5}`), s)
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 2)

	assert.Error(t, v.Validate([]byte(`not json`), s))

	enum := NewObjectSchema().AddProperty("type", NewEnumSchema("a", "b")).AddRequired("type")
	assert.NoError(t, v.Validate([]byte(`{"type":"a"}`), enum))
	assert.Error(t, v.Validate([]byte(`{"type":"c"}`), enum))
}

func TestParse(t *testing.T) {
	out, err := Parse[verdict]("```json\n{\"done\":false,\"progress\":20}\n```", verdictSchema(), nil)
	require.NoError(t, err)
	assert.Equal(t, 20, out.Progress)

	_, err = Parse[verdict](`{"done":false}`, verdictSchema(), nil)
	assert.Error(t, err)
}

func TestGenerate(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponses(`{"done":true,"progress":100}`, `garbage`)

	res, err := Generate[verdict](context.Background(), provider, Request{Prompt: "judge", Schema: verdictSchema()})
	require.NoError(t, err)
	assert.True(t, res.Value.Done)
	assert.Contains(t, provider.CompletionRequests()[0].Messages[0].Content, "JSON Schema")

	res, err = Generate[verdict](context.Background(), provider, Request{Prompt: "judge", Schema: verdictSchema()})
	require.Error(t, err)
	assert.Equal(t, "garbage", res.Raw)
	assert.Nil(t, res.Value)

	_, err = Generate[verdict](context.Background(), mocks.NewMockProvider().WithError(errors.New("down")), Request{})
	assert.Error(t, err)
}
