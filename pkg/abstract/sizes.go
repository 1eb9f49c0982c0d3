package abstract

import "time"

// ApproxRowBytes estimates the wire weight of one scanned row. Exactness does
// not matter here: the number only feeds throughput metrics and the memory
// accounting of in-flight batches.
func ApproxRowBytes(row []interface{}) uint64 {
	total := uint64(0)
	for _, val := range row {
		switch v := val.(type) {
		case nil:
			total += 1
		case string:
			total += uint64(len(v))
		case []byte:
			total += uint64(len(v))
		case bool:
			total += 1
		case int16, uint16:
			total += 2
		case int32, uint32, float32:
			total += 4
		case time.Time:
			total += 8
		default:
			total += 8
		}
	}
	return total
}
