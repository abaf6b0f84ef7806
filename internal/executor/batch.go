package executor

// Batches splits items into ceil(len/size) consecutive slices of at most
// size elements. Concatenating the batches yields items in order. A
// non-positive size puts everything in one batch.
func Batches[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 || size >= len(items) {
		return [][]T{items}
	}

	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end:end])
	}
	return out
}
