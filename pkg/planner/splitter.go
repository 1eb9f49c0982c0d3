package planner

import (
	"strings"

	"github.com/dataferry/dataferry/pkg/abstract"
)

// PKRange is one planned slice of a table's pk span.
type PKRange struct {
	Start        int64
	End          int64
	EndInclusive bool
}

// SplitRange cuts [minPK, maxPK] into chunkCount contiguous ranges of near
// equal pk width. All ranges are half-open except the last, which is
// inclusive so maxPK belongs to exactly one chunk. The split depends only on
// its inputs, so re-planning the same table yields the same boundaries.
func SplitRange(minPK, maxPK int64, chunkCount int) []PKRange {
	if chunkCount < 1 || maxPK < minPK {
		return nil
	}
	span := maxPK - minPK + 1
	if int64(chunkCount) > span {
		chunkCount = int(span)
	}
	width := span / int64(chunkCount)

	ranges := make([]PKRange, 0, chunkCount)
	start := minPK
	for i := 0; i < chunkCount-1; i++ {
		ranges = append(ranges, PKRange{Start: start, End: start + width, EndInclusive: false})
		start += width
	}
	ranges = append(ranges, PKRange{Start: start, End: maxPK, EndInclusive: true})
	return ranges
}

// ChunkCount is how many chunks a row estimate needs at the given chunk size.
func ChunkCount(totalRows uint64, chunkSize int) int {
	if totalRows == 0 {
		return 0
	}
	size := uint64(chunkSize)
	return int((totalRows + size - 1) / size)
}

var integerPKTypes = map[string]bool{
	"smallint":  true,
	"int2":      true,
	"integer":   true,
	"int":       true,
	"int4":      true,
	"bigint":    true,
	"int8":      true,
	"serial":    true,
	"bigserial": true,
	"tinyint":   true,
	"mediumint": true,
}

// IntegerPK reports whether the column can carry the pk-range chunking
// scheme. Width suffixes like "int(11) unsigned" are stripped first.
func IntegerPK(column *abstract.ColumnInfo) bool {
	name := strings.ToLower(column.Type)
	if idx := strings.IndexAny(name, "( "); idx >= 0 {
		name = name[:idx]
	}
	return integerPKTypes[name]
}
