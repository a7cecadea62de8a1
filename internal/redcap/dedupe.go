package redcap

import "sort"

// yearBatch holds the rows exported from one project year.
type yearBatch[T any] struct {
	year int
	rows []T
}

type rowPos struct {
	batch int
	row   int
}

// latestByKey keeps, for every key, only the row from the latest year that
// contains it. Keys that never recur in a later year are kept whatever their
// year. A key repeated inside one year keeps its last occurrence. Output is
// ordered by year, then by position in the export.
func latestByKey[T any](batches []yearBatch[T], key func(T) string) []T {
	sorted := make([]yearBatch[T], len(batches))
	copy(sorted, batches)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].year < sorted[j].year })

	winners := make(map[string]rowPos)
	for b, batch := range sorted {
		for r, row := range batch.rows {
			winners[key(row)] = rowPos{batch: b, row: r}
		}
	}

	out := make([]T, 0, len(winners))
	for b, batch := range sorted {
		for r, row := range batch.rows {
			if winners[key(row)] == (rowPos{batch: b, row: r}) {
				out = append(out, row)
			}
		}
	}
	return out
}
