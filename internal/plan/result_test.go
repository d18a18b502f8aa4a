package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFinalResult(t *testing.T) {
	assert.Equal(t, "2", FinalResult(outputsOf(t, "a", "1", "result", "2")))
	assert.Equal(t, "2", FinalResult(outputsOf(t, "a", "1", "b", "2")))
	assert.Equal(t, NoOutputResult, FinalResult(NewOutputs()))
	assert.Equal(t, NoOutputResult, FinalResult(nil))
}

func TestFinalResultPreferenceOrder(t *testing.T) {
	o := outputsOf(t, "output", "o", "answer", "a", "result", "r", "final_result", "f", "z", "last")
	assert.Equal(t, "f", FinalResult(o))

	o = outputsOf(t, "output", "o", "answer", "a", "z", "last")
	assert.Equal(t, "a", FinalResult(o))
}

func TestFinalResultUsesPublishOrder(t *testing.T) {
	o := outputsOf(t, "a", "1", "b", "2", "a", "3")
	assert.Equal(t, "3", FinalResult(o))
}
