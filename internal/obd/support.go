package obd

import (
	"fmt"

	"github.com/fisaks/obdgw/internal/util"
)

// SupportBases are the mode 01 support requests, each answering for the 32
// PIDs that follow it.
var SupportBases = []byte{0x00, 0x20, 0x40}

// Support accumulates the mode 01 "PIDs supported" bitmaps.
type Support struct {
	maps map[byte][4]byte
}

func NewSupport() *Support {
	return &Support{maps: make(map[byte][4]byte)}
}

// Add records the 4-byte bitmap answering PID base (0x00, 0x20, ...).
func (s *Support) Add(base byte, data []byte) error {
	if base%0x20 != 0 {
		return fmt.Errorf("support base %02X is not a multiple of 0x20", base)
	}
	if len(data) < 4 {
		return fmt.Errorf("support bitmap %02X: expected 4 bytes, got %d", base, len(data))
	}
	s.maps[base] = [4]byte(data[:4])
	return nil
}

// Has reports whether pid was advertised. PID 0x00 and unknown ranges are false.
func (s *Support) Has(pid byte) bool {
	if pid == 0 {
		return false
	}
	base := (pid - 1) / 0x20 * 0x20
	bm, ok := s.maps[base]
	if !ok {
		return false
	}
	idx := pid - base - 1
	return bm[idx/8]&(0x80>>(idx%8)) != 0
}

// Continues reports whether the range after base is worth requesting.
func (s *Support) Continues(base byte) bool {
	return s.Has(base + 0x20)
}

// Count is the number of advertised PIDs, excluding range markers.
func (s *Support) Count() int {
	n := 0
	for base := range s.maps {
		for pid := int(base) + 1; pid <= int(base)+0x20 && pid <= 0xFF; pid++ {
			if pid%0x20 == 0 {
				continue
			}
			if s.Has(byte(pid)) {
				n++
			}
		}
	}
	return n
}

func (s *Support) String() string {
	out := ""
	for _, base := range SupportBases {
		if bm, ok := s.maps[base]; ok {
			out += fmt.Sprintf("%02X:%s ", base, util.BitString(bm[:], 32))
		}
	}
	return out
}
