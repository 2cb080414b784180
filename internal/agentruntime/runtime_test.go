package agentruntime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitTitleAndBodySplitsOnFirstNewline(t *testing.T) {
	title, body, err := splitTitleAndBody("Fix the flaky retry test\nIt fails under load because of a race in the backoff timer.")
	assert.NoError(t, err)
	assert.Equal(t, "Fix the flaky retry test", title)
	assert.Equal(t, "It fails under load because of a race in the backoff timer.", body)
}

func TestSplitTitleAndBodyKeepsOnlyFirstLineAsTitleOnMultipleNewlines(t *testing.T) {
	title, body, err := splitTitleAndBody("Title line\nBody line one\nBody line two")
	assert.NoError(t, err)
	assert.Equal(t, "Title line", title)
	assert.Equal(t, "Body line one\nBody line two", body)
}

func TestSplitTitleAndBodyWithNoNewlineReturnsWholeTextAsTitle(t *testing.T) {
	title, body, err := splitTitleAndBody("Just a title, nothing else")
	assert.NoError(t, err)
	assert.Equal(t, "Just a title, nothing else", title)
	assert.Equal(t, "", body)
}

func TestSplitTitleAndBodyEmptyInput(t *testing.T) {
	title, body, err := splitTitleAndBody("")
	assert.NoError(t, err)
	assert.Equal(t, "", title)
	assert.Equal(t, "", body)
}
