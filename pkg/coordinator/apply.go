package coordinator

import (
	"github.com/tandem-dev/tandem/pkg/conflict"
	"github.com/tandem-dev/tandem/pkg/errors"
)

// applyEdit mutates content according to the operation. Positions are
// rune offsets; out-of-range extents are clamped to the content end.
func applyEdit(content []byte, op conflict.Operation) ([]byte, error) {
	switch op.Type {
	case "retain":
		return content, nil
	case "batch":
		out := content
		var err error
		for _, sub := range op.Batch {
			if out, err = applyEdit(out, sub); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	if op.Position < 0 {
		return nil, errors.NewInvalidArgumentError("operation position must not be negative")
	}
	if op.Length < 0 {
		return nil, errors.NewInvalidArgumentError("operation length must not be negative")
	}

	runes := []rune(string(content))
	pos := min(op.Position, int64(len(runes)))

	switch op.Type {
	case "insert":
		out := make([]rune, 0, len(runes)+len(op.Text))
		out = append(out, runes[:pos]...)
		out = append(out, []rune(op.Text)...)
		out = append(out, runes[pos:]...)
		return []byte(string(out)), nil
	case "delete":
		end := min(deleteEnd(op), int64(len(runes)))
		if end < pos {
			end = pos
		}
		out := make([]rune, 0, len(runes))
		out = append(out, runes[:pos]...)
		out = append(out, runes[end:]...)
		return []byte(string(out)), nil
	case "replace":
		end := min(deleteEnd(op), int64(len(runes)))
		if end < pos {
			end = pos
		}
		out := make([]rune, 0, len(runes)+len(op.Text))
		out = append(out, runes[:pos]...)
		out = append(out, []rune(op.Text)...)
		out = append(out, runes[end:]...)
		return []byte(string(out)), nil
	default:
		return nil, errors.Newf(errors.ErrInvalidArgument, "unknown operation type %q", op.Type)
	}
}

// deleteEnd is the exclusive end of the extent a delete or replace
// removes. Length wins over the replacement text's length.
func deleteEnd(op conflict.Operation) int64 {
	if op.Length > 0 {
		return op.Position + op.Length
	}
	if op.Type == "replace" {
		// Replace without an explicit length substitutes in place.
		return op.Position + int64(len([]rune(op.Text)))
	}
	return op.Position
}
