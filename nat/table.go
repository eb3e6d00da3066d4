// Copyright (c) 2024 Barnacle's authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package nat

// flowTable indexes live mappings under both directions' keys. The two
// maps always hold the same mappings: insert and remove touch both or
// neither. For full-cone the keys are the masked partial identities, for
// symmetric the full five-tuples; either way each mapping is indexed
// exactly once per direction.
type flowTable struct {
	out map[FlowID]*Mapping
	in  map[FlowID]*Mapping
}

func newFlowTable() *flowTable {
	return &flowTable{
		out: make(map[FlowID]*Mapping),
		in:  make(map[FlowID]*Mapping),
	}
}

func (t *flowTable) size() int { return len(t.in) }

func (t *flowTable) lookupOut(key FlowID) *Mapping { return t.out[key] }
func (t *flowTable) lookupIn(key FlowID) *Mapping  { return t.in[key] }

func (t *flowTable) insert(m *Mapping) {
	t.out[m.OutKey()] = m
	t.in[m.InKey()] = m
}

func (t *flowTable) remove(m *Mapping) {
	delete(t.out, m.OutKey())
	delete(t.in, m.InKey())
}

// each calls fn for every live mapping; fn may remove the mapping it was
// handed but no other.
func (t *flowTable) each(fn func(m *Mapping)) {
	for _, m := range t.out {
		fn(m)
	}
}
