package checkpoint

// Select picks the candidates a resumed run still has to process.
//
// When cursor is set, candidates up to and including the cursor are skipped;
// a cursor that never appears is ignored. Ids in seen are always skipped.
// Selection stops once prior+len(selected) reaches limit; limit 0 means no
// limit.
func Select(candidates []string, cursor string, seen map[string]bool, limit, prior int) []string {
	start := 0
	if cursor != "" {
		for i, id := range candidates {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}

	var out []string
	for _, id := range candidates[start:] {
		if limit > 0 && prior+len(out) >= limit {
			break
		}
		if seen[id] || id == cursor {
			continue
		}
		out = append(out, id)
	}
	return out
}
