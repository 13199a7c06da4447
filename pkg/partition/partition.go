// Package partition models the device's read-only partition table and the
// selection of the update candidate slot. The table is enumerated once at
// startup and only referenced afterwards; the boot record (owned by
// pkg/flash) is the sole mutable boot-target state.
package partition

import (
	"strings"

	"github.com/pkg/errors"
)

// Well-known type and subtype tags used to locate slots.
const (
	TypeApp  = "app"
	TypeData = "data"

	SubtypeFactory = "factory"
	SubtypeOTA0    = "ota_0"
	SubtypeOTA1    = "ota_1"

	otaSubtypePrefix = "ota_"
)

// ErrNotFound reports that no candidate slot exists. This is fatal for an
// update attempt; no fallback slot is tried.
var ErrNotFound = errors.New("no candidate partition available")

// Partition identifies one storage slot.
type Partition struct {
	Label   string
	Type    string
	Subtype string
	Offset  uint64
	Size    uint64
}

// OTACapable reports whether the slot may receive a streamed image.
func (p Partition) OTACapable() bool {
	return p.Type == TypeApp && strings.HasPrefix(p.Subtype, otaSubtypePrefix)
}

// Zero reports whether the Partition is the zero value.
func (p Partition) Zero() bool {
	return p == Partition{}
}

// Table is the enumerated slot set plus the identity of the currently
// executing slot.
type Table struct {
	parts   []Partition
	running Partition
}

// NewTable builds a table from the enumerated slots and the label of the
// currently executing one.
func NewTable(parts []Partition, runningLabel string) (*Table, error) {
	if len(parts) == 0 {
		return nil, errors.New("partition table is empty")
	}
	seen := map[string]struct{}{}
	for _, p := range parts {
		if p.Label == "" {
			return nil, errors.New("partition table contains an unlabeled slot")
		}
		if _, dup := seen[p.Label]; dup {
			return nil, errors.Errorf("partition table repeats label %q", p.Label)
		}
		seen[p.Label] = struct{}{}
	}
	t := &Table{parts: parts}
	running, ok := t.Lookup(runningLabel)
	if !ok {
		return nil, errors.Errorf("running partition %q is not in the table", runningLabel)
	}
	t.running = running
	return t, nil
}

// Running returns the currently executing slot.
func (t *Table) Running() Partition {
	return t.running
}

// Lookup finds a slot by label.
func (t *Table) Lookup(label string) (Partition, bool) {
	for _, p := range t.parts {
		if p.Label == label {
			return p, true
		}
	}
	return Partition{}, false
}

// Candidate selects the slot to receive the new image: the first OTA-capable
// slot that is not currently executing. The selected slot never equals the
// running slot.
func (t *Table) Candidate() (Partition, error) {
	for _, p := range t.parts {
		if !p.OTACapable() {
			continue
		}
		if p.Label == t.running.Label {
			continue
		}
		return p, nil
	}
	return Partition{}, ErrNotFound
}

// Partitions returns a copy of the enumerated slots.
func (t *Table) Partitions() []Partition {
	out := make([]Partition, len(t.parts))
	copy(out, t.parts)
	return out
}
