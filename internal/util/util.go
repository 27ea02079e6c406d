package util

import (
	"math"
	"strconv"
	"strings"
)

// BitString renders the first count bits of bs, most significant bit first,
// the order OBD-II support bitmaps are numbered in.
func BitString(bs []byte, count int) string {
	var s strings.Builder
	bitsAdded := 0
	for _, b := range bs {
		for i := 7; i >= 0 && bitsAdded < count; i-- {
			if b&(1<<i) != 0 {
				s.WriteString("1")
			} else {
				s.WriteString("0")
			}
			bitsAdded++
		}
	}
	return s.String()
}

// ToInt converts loosely typed JSON values (numbers, numeric strings) to int,
// returning 0 when v is not numeric.
func ToInt(v any) int {
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0
		}
		return int(x)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(x)); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return int(f)
		}
	}
	return 0
}
