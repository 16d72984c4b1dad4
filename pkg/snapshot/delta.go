package snapshot

import (
	"encoding/json"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/tandem-dev/tandem/pkg/errors"
)

// deltaPayload is the wire format of a DELTA snapshot's Delta field.
// NewContent is the authoritative reconstruction input; Diff is a
// unified diff kept for human and UI inspection.
type deltaPayload struct {
	Diff       string `json:"diff"`
	NewContent string `json:"new_content"`
}

// changeRatio measures how much of the content changed, in [0, 1].
// 0 means identical, 1 means nothing in common. Computed at rune
// granularity so small single-line edits score as small changes;
// autojunk is off because frequent runes are not noise.
func changeRatio(old, new []byte) float64 {
	matcher := difflib.NewMatcherWithJunk(splitRunes(old), splitRunes(new), false, nil)
	return 1 - matcher.Ratio()
}

func splitRunes(b []byte) []string {
	runes := []rune(string(b))
	out := make([]string, len(runes))
	for i, r := range runes {
		out[i] = string(r)
	}
	return out
}

// encodeDelta builds the DELTA payload for a transition old -> new.
func encodeDelta(old, new []byte) ([]byte, error) {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(old)),
		B:        difflib.SplitLines(string(new)),
		FromFile: "base",
		ToFile:   "current",
		Context:  3,
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "computing unified diff", err)
	}
	payload, err := json.Marshal(deltaPayload{Diff: diff, NewContent: string(new)})
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "encoding delta payload", err)
	}
	return payload, nil
}

// decodeDelta extracts the reconstructed content from a DELTA payload.
func decodeDelta(payload []byte) ([]byte, error) {
	var p deltaPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, errors.Wrap(errors.ErrCorruption, "decoding delta payload", err)
	}
	return []byte(p.NewContent), nil
}
