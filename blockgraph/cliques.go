package blockgraph

import (
	"sort"

	"github.com/tolelom/tolchain/models"
)

func sortedHashes(set map[models.Hash]struct{}) []models.Hash {
	out := make([]models.Hash, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// threadFrontier returns the hash of the most recent block in thread t that
// hash is aware of: hash itself if it lives in thread t, else its parent
// entry for thread t.
func (g *BlockGraph) threadFrontier(hash models.Hash, t uint8) models.Hash {
	e, ok := g.entries[hash]
	if !ok || e.header == nil {
		return models.ZeroHash
	}
	if e.header.Slot.Thread == t {
		return hash
	}
	if int(t) < len(e.header.Parents) {
		return e.header.Parents[t]
	}
	return models.ZeroHash
}

// isAncestorInThread reports whether anc is desc or a predecessor of desc
// along thread t's single-thread parent chain.
func (g *BlockGraph) isAncestorInThread(anc, desc models.Hash, t uint8) bool {
	cur := desc
	for i := 0; i < len(g.entries)+1; i++ {
		if cur == anc {
			return true
		}
		if cur.IsZero() {
			return false
		}
		e, ok := g.entries[cur]
		if !ok || e.header == nil {
			return false
		}
		if e.status == StatusFinal {
			// Beyond the final horizon every surviving chain agrees; treat
			// as a match only if anc is also that same final hash (handled
			// by the cur == anc check above), otherwise stop here.
			return false
		}
		if e.header.Slot.Thread != t {
			return false
		}
		cur = e.header.Parents[t]
	}
	return false
}

// compatible implements the grandpa-consistency rule of spec.md §4.2: two
// Active blocks are compatible unless they occupy the same slot, or their
// per-thread ancestry has diverged into two different forks.
func (g *BlockGraph) compatible(a, b models.Hash) bool {
	ea, oka := g.entries[a]
	eb, okb := g.entries[b]
	if !oka || !okb || ea.header == nil || eb.header == nil {
		return false
	}
	if ea.header.Slot == eb.header.Slot {
		return false
	}
	for t := uint8(0); t < g.cfg.ThreadCount; t++ {
		fa := g.threadFrontier(a, t)
		fb := g.threadFrontier(b, t)
		if fa == fb || fa.IsZero() || fb.IsZero() {
			continue
		}
		if g.isAncestorInThread(fa, fb, t) || g.isAncestorInThread(fb, fa, t) {
			continue
		}
		return false
	}
	return true
}

func (g *BlockGraph) compatibleWithAll(h models.Hash, clique map[models.Hash]struct{}) bool {
	for member := range clique {
		if !g.compatible(h, member) {
			return false
		}
	}
	return true
}

// joinCliques incorporates newly-Active hash into the maintained set of
// maximal cliques: it extends every clique it is compatible with, and
// forms a new singleton clique if it extends none.
func (g *BlockGraph) joinCliques(hash models.Hash) {
	extended := false
	next := make([]map[models.Hash]struct{}, 0, len(g.cliques)+1)
	for _, c := range g.cliques {
		if g.compatibleWithAll(hash, c) {
			nc := make(map[models.Hash]struct{}, len(c)+1)
			for m := range c {
				nc[m] = struct{}{}
			}
			nc[hash] = struct{}{}
			next = append(next, nc)
			extended = true
		} else {
			next = append(next, c)
		}
	}
	if !extended {
		next = append(next, map[models.Hash]struct{}{hash: {}})
	}
	g.cliques = dedupeSubsumed(next)
}

// dedupeSubsumed drops any clique that is a strict subset of another,
// preserving maximality of the remaining set.
func dedupeSubsumed(cliques []map[models.Hash]struct{}) []map[models.Hash]struct{} {
	keep := make([]bool, len(cliques))
	for i := range cliques {
		keep[i] = true
	}
	for i, ci := range cliques {
		for j, cj := range cliques {
			if i == j || !keep[i] || len(ci) >= len(cj) {
				continue
			}
			if isSubset(ci, cj) {
				keep[i] = false
				break
			}
		}
	}
	out := make([]map[models.Hash]struct{}, 0, len(cliques))
	for i, c := range cliques {
		if keep[i] {
			out = append(out, c)
		}
	}
	return out
}

func isSubset(a, b map[models.Hash]struct{}) bool {
	for h := range a {
		if _, ok := b[h]; !ok {
			return false
		}
	}
	return true
}

// fitness returns Σ(1+len(endorsements)) over a clique's members.
func (g *BlockGraph) fitness(clique map[models.Hash]struct{}) uint64 {
	var total uint64
	for h := range clique {
		e, ok := g.entries[h]
		if !ok || e.header == nil {
			continue
		}
		total += 1 + uint64(len(e.header.Endorsements))
	}
	return total
}

// blockclique returns the max-fitness clique, breaking ties by the
// greatest lexicographic tuple of sorted member hashes.
func (g *BlockGraph) blockclique() map[models.Hash]struct{} {
	if len(g.cliques) == 0 {
		return nil
	}
	best := g.cliques[0]
	bestFitness := g.fitness(best)
	bestKey := hashesKey(sortedHashes(best))
	for _, c := range g.cliques[1:] {
		f := g.fitness(c)
		key := hashesKey(sortedHashes(c))
		if f > bestFitness || (f == bestFitness && key > bestKey) {
			best = c
			bestFitness = f
			bestKey = key
		}
	}
	return best
}

func hashesKey(hs []models.Hash) string {
	var s string
	for _, h := range hs {
		s += h.String()
	}
	return s
}

// updateBestParents sets bestParents[t] to the blockclique's thread-t tip.
func (g *BlockGraph) updateBestParents() {
	bc := g.blockclique()
	for t := uint8(0); t < g.cfg.ThreadCount; t++ {
		var tip models.Hash
		var tipPeriod uint64
		found := false
		for h := range bc {
			e, ok := g.entries[h]
			if !ok || e.header == nil || e.header.Slot.Thread != t {
				continue
			}
			if !found || e.header.Slot.Period > tipPeriod {
				tip = h
				tipPeriod = e.header.Slot.Period
				found = true
			}
		}
		if found {
			g.bestParents[t] = tip
		} else if len(g.finalChain[t]) > 0 {
			g.bestParents[t] = g.finalChain[t][len(g.finalChain[t])-1]
		}
	}
}

// isDescendant reports whether desc's multi-thread ancestry (following all
// thread parents recursively) includes anc.
func (g *BlockGraph) isDescendant(anc, desc models.Hash) bool {
	visited := make(map[models.Hash]struct{})
	queue := []models.Hash{desc}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == anc {
			return true
		}
		if _, seen := visited[cur]; seen || cur.IsZero() {
			continue
		}
		visited[cur] = struct{}{}
		e, ok := g.entries[cur]
		if !ok || e.header == nil || e.status == StatusFinal {
			continue
		}
		queue = append(queue, e.header.Parents...)
	}
	return false
}

// finalizePass checks every member of every clique common to all cliques
// for finalization (spec.md §4.2), then prunes siblings of any newly-final
// block and runs the pruning step.
func (g *BlockGraph) finalizePass() {
	if len(g.cliques) == 0 {
		return
	}
	common := g.cliques[0]
	for _, c := range g.cliques[1:] {
		inter := make(map[models.Hash]struct{})
		for h := range common {
			if _, ok := c[h]; ok {
				inter[h] = struct{}{}
			}
		}
		common = inter
	}

	bc := g.blockclique()

	var newlyFinal []models.Hash
	for h := range common {
		e, ok := g.entries[h]
		if !ok || e.status != StatusActive || e.header == nil {
			continue
		}
		var descendantFitness uint64
		for other := range bc {
			if other == h {
				continue
			}
			if g.isDescendant(h, other) {
				oe := g.entries[other]
				descendantFitness += 1 + uint64(len(oe.header.Endorsements))
			}
		}
		if descendantFitness > g.cfg.DeltaF0 {
			newlyFinal = append(newlyFinal, h)
		}
	}

	for _, h := range newlyFinal {
		g.finalize(h)
	}
}

func (g *BlockGraph) finalize(hash models.Hash) {
	e, ok := g.entries[hash]
	if !ok || e.status != StatusActive || e.header == nil {
		return
	}
	e.status = StatusFinal
	t := e.header.Slot.Thread
	g.finalChain[t] = append(g.finalChain[t], hash)
	sort.Slice(g.finalChain[t], func(i, j int) bool {
		ei := g.entries[g.finalChain[t][i]]
		ej := g.entries[g.finalChain[t][j]]
		return ei.header.Slot.Period < ej.header.Slot.Period
	})

	// Discard Active siblings at the same (thread, period) and their
	// descendants that survive in no clique.
	for h, oe := range g.entries {
		if h == hash || oe.status != StatusActive || oe.header == nil {
			continue
		}
		if oe.header.Slot.Thread != t || oe.header.Slot.Period != e.header.Slot.Period {
			continue
		}
		g.discardSubtree(h)
	}
	g.pruneCliquesOf(hash)
}

func (g *BlockGraph) discardSubtree(hash models.Hash) {
	e, ok := g.entries[hash]
	if !ok || e.status == StatusDiscarded {
		return
	}
	e.status = StatusDiscarded
	g.discardMemory.Add(hash, struct{}{})
	for h, oe := range g.entries {
		if oe.status == StatusActive && oe.header != nil && g.isDescendant(hash, h) {
			g.discardSubtree(h)
		}
	}
	g.removeFromCliques(hash)
}

func (g *BlockGraph) removeFromCliques(hash models.Hash) {
	next := make([]map[models.Hash]struct{}, 0, len(g.cliques))
	for _, c := range g.cliques {
		if _, ok := c[hash]; ok {
			delete(c, hash)
			if len(c) == 0 {
				continue
			}
		}
		next = append(next, c)
	}
	if len(next) == 0 {
		next = append(next, map[models.Hash]struct{}{})
	}
	g.cliques = next
}

// pruneCliquesOf drops any clique not containing the newly-final hash: once
// final, no competing fork survives.
func (g *BlockGraph) pruneCliquesOf(hash models.Hash) {
	next := make([]map[models.Hash]struct{}, 0, len(g.cliques))
	for _, c := range g.cliques {
		if _, ok := c[hash]; ok {
			next = append(next, c)
		}
	}
	if len(next) == 0 {
		next = append(next, map[models.Hash]struct{}{hash: {}})
	}
	g.cliques = next
	g.updateBestParents()
}

// Prune evicts Final blocks older than force_keep_final_periods from
// memory and returns them for archival (spec.md §4.2).
func (g *BlockGraph) Prune() []ArchiveEntry {
	var out []ArchiveEntry
	now := g.currentMaxFinalPeriod()
	for t, chain := range g.finalChain {
		keep := chain[:0:0]
		for _, h := range chain {
			e, ok := g.entries[h]
			if !ok || e.header == nil {
				continue
			}
			if g.cfg.ForceKeepFinalPeriods > 0 && now > g.cfg.ForceKeepFinalPeriods &&
				e.header.Slot.Period < now-g.cfg.ForceKeepFinalPeriods {
				if e.block != nil {
					out = append(out, ArchiveEntry{Hash: h, Block: e.block})
				}
				delete(g.entries, h)
				continue
			}
			keep = append(keep, h)
		}
		g.finalChain[t] = keep
	}
	return out
}

func (g *BlockGraph) currentMaxFinalPeriod() uint64 {
	var max uint64
	for t := range g.finalChain {
		if p := g.finalHorizon(t); p > max {
			max = p
		}
	}
	return max
}
