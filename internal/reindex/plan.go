package reindex

// Plan splits realms into consecutive batches of at most batchSize.
// A non-positive batchSize is treated as 1.
func Plan(realms []string, batchSize int) [][]string {
	if batchSize <= 0 {
		batchSize = 1
	}
	batches := make([][]string, 0, BatchCount(len(realms), batchSize))
	for start := 0; start < len(realms); start += batchSize {
		end := min(start+batchSize, len(realms))
		batches = append(batches, realms[start:end])
	}
	return batches
}

// BatchCount returns ceil(n / batchSize).
func BatchCount(n, batchSize int) int {
	if batchSize <= 0 {
		batchSize = 1
	}
	return (n + batchSize - 1) / batchSize
}
