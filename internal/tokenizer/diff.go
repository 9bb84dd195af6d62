package tokenizer

// Edit describes how the payload sequence of a document changed: starting
// at payload index Start of the old sequence, RemovedCount payloads were
// replaced by Inserted. Offsets in Inserted refer to the new source.
type Edit struct {
	Start        int       `json:"start"`
	RemovedCount int       `json:"removedCount"`
	Inserted     []Payload `json:"inserted"`
	// OldCount and NewCount are the lengths of both payload sequences.
	OldCount int `json:"oldCount"`
	NewCount int `json:"newCount"`
}

// Unchanged reports whether both documents tokenize to identical spans.
func (e Edit) Unchanged() bool {
	return e.RemovedCount == 0 && len(e.Inserted) == 0
}

// Diff compares two versions of a document by trimming the longest common
// prefix and suffix of payloads, comparing payloads by their source text.
func Diff(oldSource, newSource string) Edit {
	oldPayloads := All(oldSource)
	newPayloads := All(newSource)

	same := func(i, j int) bool {
		return Slice(oldSource, oldPayloads[i]) == Slice(newSource, newPayloads[j])
	}

	prefix := 0
	for prefix < len(oldPayloads) && prefix < len(newPayloads) && same(prefix, prefix) {
		prefix++
	}

	suffix := 0
	for suffix < len(oldPayloads)-prefix && suffix < len(newPayloads)-prefix &&
		same(len(oldPayloads)-1-suffix, len(newPayloads)-1-suffix) {
		suffix++
	}

	inserted := newPayloads[prefix : len(newPayloads)-suffix]
	if len(inserted) == 0 {
		inserted = nil
	}

	return Edit{
		Start:        prefix,
		RemovedCount: len(oldPayloads) - prefix - suffix,
		Inserted:     inserted,
		OldCount:     len(oldPayloads),
		NewCount:     len(newPayloads),
	}
}
