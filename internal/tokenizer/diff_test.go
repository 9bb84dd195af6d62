package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiff_TextChange(t *testing.T) {
	edit := Diff("<p>a</p><p>b</p>", "<p>a</p><p>c</p>")

	assert.Equal(t, 4, edit.Start)
	assert.Equal(t, 1, edit.RemovedCount)
	require.Len(t, edit.Inserted, 1)
	assert.Equal(t, "c", edit.Inserted[0].NodeValue)
	assert.Equal(t, 11, edit.Inserted[0].SourceOffset)
	assert.Equal(t, 6, edit.OldCount)
	assert.Equal(t, 6, edit.NewCount)
	assert.False(t, edit.Unchanged())
}

func TestDiff_Insertion(t *testing.T) {
	edit := Diff("<ul><li>1</li></ul>", "<ul><li>1</li><li>2</li></ul>")

	assert.Equal(t, 4, edit.Start)
	assert.Equal(t, 0, edit.RemovedCount)
	require.Len(t, edit.Inserted, 3)
	assert.Equal(t, "LI", edit.Inserted[0].NodeName)
	assert.Equal(t, "2", edit.Inserted[1].NodeValue)
	assert.True(t, edit.Inserted[2].Closing)
}

func TestDiff_Removal(t *testing.T) {
	edit := Diff("<p>a</p><hr/><p>b</p>", "<p>a</p><p>b</p>")

	assert.Equal(t, 3, edit.Start)
	assert.Equal(t, 1, edit.RemovedCount)
	assert.Nil(t, edit.Inserted)
}

func TestDiff_AttributeChange(t *testing.T) {
	edit := Diff(`<div class="a">x</div>`, `<div class="b">x</div>`)

	assert.Equal(t, 0, edit.Start)
	assert.Equal(t, 1, edit.RemovedCount)
	require.Len(t, edit.Inserted, 1)
	v, _ := edit.Inserted[0].Attributes.Get("class")
	assert.Equal(t, "b", v)
}

func TestDiff_Unchanged(t *testing.T) {
	edit := Diff("<p>same</p>", "<p>same</p>\n")

	assert.True(t, edit.Unchanged())
	assert.Equal(t, 3, edit.Start)
}
