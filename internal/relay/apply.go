package relay

import (
	"errors"
	"fmt"

	"livesync/internal/models"
)

var (
	ErrOutOfRange  = errors.New("edit out of range")
	ErrUnknownEdit = errors.New("unknown edit type")
)

// ApplyEdit applies e to content by position. Positions and lengths count
// runes. Format and retain only validate their range; the relay stores
// plain text.
func ApplyEdit(content string, e models.Edit) (string, error) {
	runes := []rune(content)
	n := len(runes)

	switch e.Type {
	case models.OpInsert:
		if e.Position < 0 || e.Position > n {
			return "", fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, e.Position, n)
		}
		out := make([]rune, 0, n+len(e.Text))
		out = append(out, runes[:e.Position]...)
		out = append(out, []rune(e.Text)...)
		out = append(out, runes[e.Position:]...)
		return string(out), nil

	case models.OpDelete:
		if err := checkRange(e, n); err != nil {
			return "", err
		}
		out := make([]rune, 0, n-e.Length)
		out = append(out, runes[:e.Position]...)
		out = append(out, runes[e.Position+e.Length:]...)
		return string(out), nil

	case models.OpFormat, models.OpRetain:
		if err := checkRange(e, n); err != nil {
			return "", err
		}
		return content, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEdit, e.Type)
}

// ApplyAll applies edits in order. Nothing is applied if any edit fails;
// the index of the failing edit is returned with the error.
func ApplyAll(content string, edits []models.Edit) (string, int, error) {
	for i, e := range edits {
		next, err := ApplyEdit(content, e)
		if err != nil {
			return "", i, err
		}
		content = next
	}
	return content, -1, nil
}

func checkRange(e models.Edit, n int) error {
	if e.Position < 0 || e.Length < 0 || e.Position+e.Length > n {
		return fmt.Errorf("%w: %s [%d,%d) of %d", ErrOutOfRange, e.Type, e.Position, e.Position+e.Length, n)
	}
	return nil
}
