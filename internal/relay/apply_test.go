package relay

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	"livesync/internal/models"
)

func TestApplyEdit(t *testing.T) {
	tests := []struct {
		name    string
		content string
		edit    models.Edit
		want    string
	}{
		{"insert at start", "world", models.Edit{Type: models.OpInsert, Position: 0, Text: "hello "}, "hello world"},
		{"insert at end", "hello", models.Edit{Type: models.OpInsert, Position: 5, Text: "!"}, "hello!"},
		{"delete middle", "hello world", models.Edit{Type: models.OpDelete, Position: 5, Length: 6}, "hello"},
		{"runes not bytes", "héllo", models.Edit{Type: models.OpDelete, Position: 1, Length: 1}, "hllo"},
		{"format keeps text", "hello", models.Edit{Type: models.OpFormat, Position: 0, Length: 5, Attributes: map[string]any{"bold": true}}, "hello"},
		{"retain keeps text", "hello", models.Edit{Type: models.OpRetain, Position: 2, Length: 3}, "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ApplyEdit(tt.content, tt.edit)
			assert.Equal(t, err, nil)
			assert.Equal(t, got, tt.want)
		})
	}
}

func TestApplyEditOutOfRange(t *testing.T) {
	edits := []models.Edit{
		{Type: models.OpInsert, Position: 6, Text: "x"},
		{Type: models.OpInsert, Position: -1, Text: "x"},
		{Type: models.OpDelete, Position: 3, Length: 3},
		{Type: models.OpFormat, Position: 0, Length: 9},
		{Type: models.OpDelete, Position: 0, Length: -1},
	}
	for _, e := range edits {
		_, err := ApplyEdit("hello", e)
		assert.Equal(t, errors.Is(err, ErrOutOfRange), true)
	}

	_, err := ApplyEdit("hello", models.Edit{Type: "upsert"})
	assert.Equal(t, errors.Is(err, ErrUnknownEdit), true)
}

func TestApplyAllIsAllOrNothing(t *testing.T) {
	content, failed, err := ApplyAll("ab", []models.Edit{
		{Type: models.OpInsert, Position: 2, Text: "c"},
		{Type: models.OpInsert, Position: 0, Text: "_"},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, failed, -1)
	assert.Equal(t, content, "_abc")

	// the second edit depends on the first having grown the text
	content, failed, err = ApplyAll("ab", []models.Edit{
		{Type: models.OpInsert, Position: 2, Text: "c"},
		{Type: models.OpDelete, Position: 2, Length: 5},
	})
	assert.Equal(t, errors.Is(err, ErrOutOfRange), true)
	assert.Equal(t, failed, 1)
	assert.Equal(t, content, "")
}
