// File: internal/ring/diagnose.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package ring

import (
	"fmt"
	"strings"
)

// State is a point-in-time copy of a ring header, for diagnostics only.
type State struct {
	Name      string  `json:"name"`
	Capacity  uint64  `json:"capacity"`
	WritePos  uint64  `json:"write_pos"`
	ReadPos   uint64  `json:"read_pos"`
	Used      uint64  `json:"used"`
	Sequence  uint64  `json:"sequence"`
	Flags     uint32  `json:"flags"`
	LastError uint64  `json:"last_error"`
	Attached  uint32  `json:"attached"`
	OwnerPID  uint32  `json:"owner_pid"`
	UsedPct   float64 `json:"used_pct"`
}

// State snapshots the header. Fields are loaded one by one and may be
// mutually inconsistent under load.
func (r *Ring) State() State {
	w := loadAcquire64(r.mem, offWritePos)
	rd := loadAcquire64(r.mem, offReadPos)
	s := State{
		Name:      r.Name(),
		Capacity:  r.capacity,
		WritePos:  w,
		ReadPos:   rd,
		Sequence:  loadAcquire64(r.mem, offSequence),
		Flags:     loadAcquire32(r.mem, offFlags),
		LastError: loadAcquire64(r.mem, offLastError),
		Attached:  loadAcquire32(r.mem, offAttach),
		OwnerPID:  loadAcquire32(r.mem, offOwnerPID),
	}
	if w < r.capacity && rd < r.capacity {
		s.Used = r.used(w, rd)
		s.UsedPct = float64(s.Used) / float64(r.capacity-1) * 100
	}
	return s
}

func (s State) String() string {
	return fmt.Sprintf("%s: used=%d/%d (%.1f%%) w=%d r=%d seq=%d flags=%#x attached=%d last_error=%d",
		s.Name, s.Used, s.Capacity, s.UsedPct, s.WritePos, s.ReadPos, s.Sequence, s.Flags, s.Attached, s.LastError)
}

// duelingPct is the fill level at which both directions count as stuck.
const duelingPct = 95.0

// DiagnoseDueling reports whether both directions of a duplex channel are
// nearly full at once. That happens when each side writes without reading
// and ends in a mutual BufferFull wait.
func DiagnoseDueling(out, in *Ring) (bool, string) {
	so, si := out.State(), in.State()
	dueling := so.UsedPct >= duelingPct && si.UsedPct >= duelingPct
	var b strings.Builder
	if dueling {
		b.WriteString("both directions full, peers are blocked on each other\n")
	}
	b.WriteString("out ")
	b.WriteString(so.String())
	b.WriteString("\nin  ")
	b.WriteString(si.String())
	return dueling, b.String()
}
