package extract

import (
	"sort"
)

// Normalize de-duplicates and orders snippets for insertion. Duplicate
// policy: at most one snippet per clause key, keeping the highest
// confidence (earliest position breaks ties); exact text duplicates
// under different keys are kept, since two rules legitimately claiming
// one passage are two clauses. Output order is stable: page, start
// offset, clause key.
func Normalize(snippets []Snippet) []Snippet {
	if len(snippets) == 0 {
		return nil
	}

	best := map[string]Snippet{}
	for _, s := range snippets {
		if s.ClauseKey == "" || NormalizeForHash(s.Text) == "" {
			continue
		}
		prev, ok := best[s.ClauseKey]
		if !ok {
			best[s.ClauseKey] = s
			continue
		}
		if s.Confidence > prev.Confidence ||
			(s.Confidence == prev.Confidence && earlier(s, prev)) {
			// Keep the winner but remember the loser's block ids so
			// chunk binding still sees every source block.
			s.BlockIDs = mergeBlockIDs(s.BlockIDs, prev.BlockIDs)
			best[s.ClauseKey] = s
		} else {
			prev.BlockIDs = mergeBlockIDs(prev.BlockIDs, s.BlockIDs)
			best[s.ClauseKey] = prev
		}
	}

	out := make([]Snippet, 0, len(best))
	for _, s := range best {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PageHint != out[j].PageHint {
			return out[i].PageHint < out[j].PageHint
		}
		if out[i].StartIdx != out[j].StartIdx {
			return out[i].StartIdx < out[j].StartIdx
		}
		return out[i].ClauseKey < out[j].ClauseKey
	})
	return out
}

func earlier(a, b Snippet) bool {
	if a.PageHint != b.PageHint {
		return a.PageHint < b.PageHint
	}
	return a.StartIdx < b.StartIdx
}

func mergeBlockIDs(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range append(append([]string{}, a...), b...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
