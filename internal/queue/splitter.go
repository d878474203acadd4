package queue

// BatchRange describes one batch's half-open slice [Start, End) of a
// recipient list.
type BatchRange struct {
	Index int
	Start int
	End   int
}

// SplitRecipients partitions n recipients into fixed-size batches. Batch i
// covers [i*batchSize, min((i+1)*batchSize, n)). Deterministic, no side
// effects; callers reject n == 0 and batchSize <= 0 before getting here.
func SplitRecipients(n, batchSize int) []BatchRange {
	if n <= 0 || batchSize <= 0 {
		return nil
	}

	count := (n + batchSize - 1) / batchSize
	ranges := make([]BatchRange, 0, count)
	for i := 0; i < count; i++ {
		end := (i + 1) * batchSize
		if end > n {
			end = n
		}
		ranges = append(ranges, BatchRange{Index: i, Start: i * batchSize, End: end})
	}
	return ranges
}
