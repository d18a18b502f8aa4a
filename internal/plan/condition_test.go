package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCondition(t *testing.T) {
	tests := []struct {
		in      string
		name    string
		op      Operator
		literal string
		quoted  bool
	}{
		{"score >= 7", "score", OpGe, "7", false},
		{"is_ready == 'true'", "is_ready", OpEq, "true", true},
		{`status != "done"`, "status", OpNe, "done", true},
		{"n<3", "n", OpLt, "3", false},
		{"n > -1.5", "n", OpGt, "-1.5", false},
		{"flag == false", "flag", OpEq, "false", false},
		{"x <= 10", "x", OpLe, "10", false},
		{"label == 'a >= b'", "label", OpEq, "a >= b", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			c, err := ParseCondition(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.name, c.Name)
			assert.Equal(t, tt.op, c.Op)
			assert.Equal(t, tt.literal, c.Literal)
			assert.Equal(t, tt.quoted, c.Quoted)
		})
	}
}

func TestParseConditionMalformed(t *testing.T) {
	for _, in := range []string{
		"",
		"score",
		"score >=",
		">= 7",
		"score >= seven",
		"my score >= 7",
		"score = 7",
		"x == 'unterminated",
	} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseCondition(in)
			assert.ErrorIs(t, err, ErrMalformedCondition)
		})
	}
}

func TestConditionEvaluate(t *testing.T) {
	tests := []struct {
		cond  string
		value string
		want  bool
	}{
		{"score >= 7", "8", true},
		{"score >= 7", " 7 ", true},
		{"score > 7", "7", false},
		{"score < 7.5", "7", true},
		{"score == 7", "7.0", true},
		{"score != 7", "8", true},
		{"is_ready == 'true'", "TRUE\n", true},
		{"is_ready == true", "True", true},
		{"is_ready == 'true'", "false", false},
		{"status == 'done'", "done", true},
		{"status == 'done'", "Done", false},
		{"status != 'done'", "pending", true},
		{"score == '7'", "7", true},
	}
	for _, tt := range tests {
		t.Run(tt.cond+"/"+tt.value, func(t *testing.T) {
			c, err := ParseCondition(tt.cond)
			require.NoError(t, err)
			o := NewOutputs()
			require.NoError(t, o.Publish(c.Name, tt.value))
			got, err := c.Evaluate(o)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConditionEvaluateErrors(t *testing.T) {
	c, err := ParseCondition("score >= 7")
	require.NoError(t, err)

	_, err = c.Evaluate(NewOutputs())
	assert.ErrorIs(t, err, ErrUnknownOutput)

	o := NewOutputs()
	require.NoError(t, o.Publish("score", "six"))
	_, err = c.Evaluate(o)
	assert.ErrorIs(t, err, ErrNonNumericComparison)
}
