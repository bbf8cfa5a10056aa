package captions

import "sort"

// Select derives the bounded working set from a batch of records.
//
// When at least RankingThreshold records carry a like count, every record is
// ranked by like count descending (missing counts rank as zero, ties keep
// input order) and the top MaxSelected are returned. Otherwise the first
// MaxSelected records are returned in input order.
func Select(records []Record) []Record {
	if len(records) == 0 {
		return nil
	}

	ranked := make([]Record, len(records))
	copy(ranked, records)
	if Ranked(records) {
		sort.SliceStable(ranked, func(i, j int) bool {
			return ranked[i].Likes() > ranked[j].Likes()
		})
	}

	if len(ranked) > MaxSelected {
		ranked = ranked[:MaxSelected]
	}
	return ranked
}

// Ranked reports whether enough records carry a like count for Select to
// order by popularity.
func Ranked(records []Record) bool {
	withLikes := 0
	for _, record := range records {
		if record.HasLikes() {
			withLikes++
		}
	}
	return withLikes >= RankingThreshold
}

// Working returns the selection for a batch, falling back to the batch itself
// when the selection comes back empty.
func Working(records []Record) []Record {
	if selected := Select(records); len(selected) > 0 {
		return selected
	}
	return records
}
