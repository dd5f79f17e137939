// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pagetables

import (
	"fmt"

	"jarjarvis.dev/kmem/pkg/cleanup"
	"jarjarvis.dev/kmem/pkg/errors/memerr"
	"jarjarvis.dev/kmem/pkg/hostarch"
	"jarjarvis.dev/kmem/pkg/log"
)

// walk descends from the root to the entry that maps virt at the given leaf
// level.
//
// If cu is nil the walk only reads: it returns a nil entry as soon as a
// missing table is found. Otherwise missing tables are allocated, zeroed and
// installed with flags|Present, and an undo action for each installation is
// added to cu.
//
// The returned entry is the entry at leaf, or a huge entry found above it, in
// which case level reports where it was found.
//
// Precondition: p.mu must be held.
func (p *PageTables) walk(virt hostarch.Addr, leaf Level, flags Flags, cu *cleanup.Cleanup) (*PTE, Level, error) {
	entries := tableAt(p.window, p.root)
	for level := L4; level > leaf; level-- {
		level := level
		pte := &entries[Index(level, virt)]
		e := pte.Load()
		switch {
		case e.Valid() && e.IsHuge() && level != L4:
			return pte, level, nil
		case e.Valid():
			entries = tableAt(p.window, e.Address())
			continue
		case cu == nil:
			return nil, level, nil
		}

		table, err := allocTable(p.frames, p.window)
		if err != nil {
			return nil, level, fmt.Errorf("allocating %v table for %v: %w: %w", level-1, virt, memerr.ErrTableAllocationFailed, err)
		}
		pte.setPageTable(table, flags)
		p.tables++
		cu.Add(func() {
			pte.Clear()
			if err := p.frames.FreeFrame(table); err != nil {
				log.Warningf("pagetables: freeing %v table %v: %v", level-1, table, err)
			}
			p.tables--
		})
		entries = tableAt(p.window, table)
	}
	return &entries[Index(leaf, virt)], leaf, nil
}
