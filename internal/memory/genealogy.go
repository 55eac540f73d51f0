package memory

import (
	"context"
	"fmt"
	"sort"
)

// Genealogy describes a memory's position in the workspace's evolution DAG.
type Genealogy struct {
	MemoryID    string    `json:"memory_id"`
	Ancestors   []*Memory `json:"ancestors"`
	Descendants []*Memory `json:"descendants"`
	Chain       []*Memory `json:"chain"` // roots first, target last
	Stage       int       `json:"stage"`
	IsRoot      bool      `json:"is_root"`
	IsLeaf      bool      `json:"is_leaf"`
}

// genealogyIndex is the parent→children map built from one workspace scan.
// The core never touches backend handles for this; everything goes through
// Store.Scan.
type genealogyIndex struct {
	byID     map[string]*Memory
	children map[string][]string
}

func buildGenealogyIndex(memories []*Memory) genealogyIndex {
	idx := genealogyIndex{
		byID:     make(map[string]*Memory, len(memories)),
		children: make(map[string][]string),
	}
	for _, m := range memories {
		idx.byID[m.ID] = m
	}
	for _, m := range memories {
		for _, parent := range m.Parents() {
			idx.children[parent] = append(idx.children[parent], m.ID)
		}
	}
	for _, ids := range idx.children {
		sort.Strings(ids)
	}
	return idx
}

// ancestorsOf walks parent links with a visited set. A re-encounter of a node
// already on the active path means the graph has a cycle.
func (idx genealogyIndex) ancestorsOf(id string) (map[string]*Memory, error) {
	out := make(map[string]*Memory)
	var walk func(cur string, path map[string]bool) error
	walk = func(cur string, path map[string]bool) error {
		m, ok := idx.byID[cur]
		if !ok {
			return nil // dangling reference; tolerated on read
		}
		for _, parent := range m.Parents() {
			if path[parent] {
				return fmt.Errorf("%w: via %s", ErrGenealogyCycle, parent)
			}
			if _, seen := out[parent]; seen {
				continue
			}
			if pm, ok := idx.byID[parent]; ok {
				out[parent] = pm
			}
			path[parent] = true
			if err := walk(parent, path); err != nil {
				return err
			}
			delete(path, parent)
		}
		return nil
	}
	if err := walk(id, map[string]bool{id: true}); err != nil {
		return nil, err
	}
	return out, nil
}

// descendantsOf walks the reverse index transitively.
func (idx genealogyIndex) descendantsOf(id string) (map[string]*Memory, error) {
	out := make(map[string]*Memory)
	var walk func(cur string, path map[string]bool) error
	walk = func(cur string, path map[string]bool) error {
		for _, child := range idx.children[cur] {
			if path[child] {
				return fmt.Errorf("%w: via %s", ErrGenealogyCycle, child)
			}
			if _, seen := out[child]; seen {
				continue
			}
			if cm, ok := idx.byID[child]; ok {
				out[child] = cm
			}
			path[child] = true
			if err := walk(child, path); err != nil {
				return err
			}
			delete(path, child)
		}
		return nil
	}
	if err := walk(id, map[string]bool{id: true}); err != nil {
		return nil, err
	}
	return out, nil
}

// stageOf recomputes the evolution stage: 1 + max over ancestor stages,
// with roots at 0.
func (idx genealogyIndex) stageOf(id string) int {
	memo := make(map[string]int)
	var depth func(cur string, path map[string]bool) int
	depth = func(cur string, path map[string]bool) int {
		if d, ok := memo[cur]; ok {
			return d
		}
		m, ok := idx.byID[cur]
		if !ok {
			return -1
		}
		best := -1
		for _, parent := range m.Parents() {
			if path[parent] {
				continue // cycle is reported by the traversals above
			}
			path[parent] = true
			if d := depth(parent, path); d > best {
				best = d
			}
			delete(path, parent)
		}
		memo[cur] = best + 1
		return best + 1
	}
	return depth(id, map[string]bool{id: true})
}

// GenealogyOf scans the workspace, builds the index in one pass, and returns
// the full ancestor chain, descendant set, and recomputed stage.
func GenealogyOf(ctx context.Context, store Store, memoryID, workspaceID string) (*Genealogy, error) {
	records, err := store.Scan(ctx, Filter{WorkspaceID: workspaceID, Kind: KindMemory})
	if err != nil {
		return nil, err
	}
	memories := make([]*Memory, 0, len(records))
	for _, r := range records {
		m, err := DecodeMemory(r)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}

	idx := buildGenealogyIndex(memories)
	target, ok := idx.byID[memoryID]
	if !ok {
		return nil, fmt.Errorf("%w: memory %s in workspace %s", ErrNotFound, memoryID, workspaceID)
	}

	ancestorSet, err := idx.ancestorsOf(memoryID)
	if err != nil {
		return nil, err
	}
	descendantSet, err := idx.descendantsOf(memoryID)
	if err != nil {
		return nil, err
	}

	ancestors := sortedByStageThenID(idx, ancestorSet)
	descendants := sortedByStageThenID(idx, descendantSet)

	chain := make([]*Memory, 0, len(ancestors)+1)
	chain = append(chain, ancestors...)
	chain = append(chain, target)

	return &Genealogy{
		MemoryID:    memoryID,
		Ancestors:   ancestors,
		Descendants: descendants,
		Chain:       chain,
		Stage:       idx.stageOf(memoryID),
		IsRoot:      len(ancestors) == 0,
		IsLeaf:      len(descendants) == 0,
	}, nil
}

// sortedByStageThenID orders a node set roots-first so the chain reads from
// origin to target.
func sortedByStageThenID(idx genealogyIndex, set map[string]*Memory) []*Memory {
	out := make([]*Memory, 0, len(set))
	for _, m := range set {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := idx.stageOf(out[i].ID), idx.stageOf(out[j].ID)
		if si != sj {
			return si < sj
		}
		return out[i].ID < out[j].ID
	})
	return out
}
