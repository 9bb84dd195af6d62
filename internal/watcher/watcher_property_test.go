//go:build property

package watcher

import (
	"sort"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestDebouncerProperties checks that a flushed batch holds exactly one
// event per path, sorted, and that each is the last event seen for it.
func TestDebouncerProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(9876)
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	paths := []string{"/p/a.html", "/p/b.css", "/p/c/d.html", "/p/e.css"}

	properties.Property("flush keeps the last event per path", prop.ForAll(
		func(picks []int, types []int) bool {
			d := &Debouncer{
				delay:  time.Hour,
				events: make(chan ChangeEvent, 1),
				output: make(chan []ChangeEvent, 1),
			}

			last := map[string]EventType{}
			for i, pick := range picks {
				ev := ChangeEvent{Path: paths[pick], Type: EventType(types[i%len(types)])}
				d.addEvent(ev)
				last[ev.Path] = ev.Type
			}
			if d.timer != nil {
				d.timer.Stop()
			}
			d.flush()

			if len(picks) == 0 {
				return len(d.output) == 0
			}

			batch := <-d.output
			if len(batch) != len(last) {
				return false
			}
			if !sort.SliceIsSorted(batch, func(i, j int) bool { return batch[i].Path < batch[j].Path }) {
				return false
			}
			for _, ev := range batch {
				if last[ev.Path] != ev.Type {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(paths)-1)),
		gen.SliceOfN(8, gen.IntRange(0, 3)),
	))

	properties.TestingRun(t)
}
