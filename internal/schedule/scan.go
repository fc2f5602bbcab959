package schedule

import (
	"errors"
	"time"
)

// ErrNonConsecutive is returned when two chosen neighbouring cells are not
// exactly one grid step apart.
var ErrNonConsecutive = errors.New("non-consecutive time cells")

// Query filters an availability scan.
type Query struct {
	Columns     []string
	DurationMin int
	Menu        *TreatmentItem
}

// OperatingGrid returns the cells that lie inside the day's declared hours.
// Days without declared hours keep every cell.
func OperatingGrid(day Day) []TimeRow {
	if day.StartTime == 0 && day.EndTime == 0 {
		return append([]TimeRow(nil), day.Times...)
	}
	out := make([]TimeRow, 0, len(day.Times))
	for _, t := range day.Times {
		if t.TimeNum < day.StartTime || t.TimeNum >= day.EndTime {
			continue
		}
		out = append(out, t)
	}
	return out
}

// FutureCells drops cells at or before now. now must already be in the
// clinic's timezone.
func FutureCells(date string, cells []TimeRow, now time.Time) []TimeRow {
	today := now.Format("2006-01-02")
	switch {
	case date < today:
		return nil
	case date > today:
		return cells
	}
	nowNum := now.Hour()*100 + now.Minute()
	out := make([]TimeRow, 0, len(cells))
	for _, c := range cells {
		if c.TimeNum <= nowNum {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Window checks that cells[i:i+required] exist, contain no break and are
// spaced exactly one grid step apart. It returns the HHMM bounds of the run.
func Window(cells []TimeRow, i, required int) (fromNum, toNum int, err error) {
	if i < 0 || required < 1 || i+required > len(cells) {
		return 0, 0, errors.New("window exceeds grid")
	}
	for k := i; k < i+required; k++ {
		if cells[k].Blocked() {
			return 0, 0, errors.New("window contains break time")
		}
		if k > i && cells[k].Minutes()-cells[k-1].Minutes() != CellMinutes {
			return 0, 0, ErrNonConsecutive
		}
	}
	last := cells[i+required-1]
	return cells[i].TimeNum, AddMinutes(last.TimeNum, CellMinutes), nil
}

// ColumnFree reports whether no active booking on column overlaps any cell of
// [fromNum, toNum). ignoreID excludes one reservation (the one being moved).
func ColumnFree(reserves []Reserve, columnID, fromNum, toNum, ignoreID int) bool {
	for _, r := range reserves {
		if r.ColumnID != columnID || !r.Active() {
			continue
		}
		if ignoreID != 0 && r.ID == ignoreID {
			continue
		}
		if r.Overlaps(fromNum, toNum) {
			return false
		}
	}
	return true
}

// AvailableAt returns the candidates free for required cells starting at
// cells[i].
func AvailableAt(day Day, cells []TimeRow, i, required int, candidates []Column, ignoreID int) []Column {
	fromNum, toNum, err := Window(cells, i, required)
	if err != nil {
		return nil
	}
	var free []Column
	for _, c := range candidates {
		if ColumnFree(day.Reserves, c.ID, fromNum, toNum, ignoreID) {
			free = append(free, c)
		}
	}
	return free
}

// ScanDay computes the bookable slots of one day.
func ScanDay(day Day, q Query, now time.Time) []Slot {
	if day.IsClosed {
		return nil
	}
	cells := FutureCells(day.Date, OperatingGrid(day), now)
	candidates := EligibleColumns(day.Columns, q.Columns, q.Menu)
	if len(cells) == 0 || len(candidates) == 0 {
		return nil
	}
	duration := EffectiveDuration(q.DurationMin, q.Menu)
	required := RequiredCells(duration)

	var out []Slot
	for i := range cells {
		free := AvailableAt(day, cells, i, required, candidates, 0)
		if len(free) == 0 {
			continue
		}
		out = append(out, Slot{
			Date:         day.Date,
			Time:         FormatNum(cells[i].TimeNum),
			DurationMin:  duration,
			Stock:        len(free),
			ResourceName: ColumnNames(free),
		})
	}
	return out
}

// FindFreeColumn returns the first candidate free for durationMin starting at
// startNum. The grid is not filtered by the current time.
func FindFreeColumn(day Day, startNum, durationMin int, candidates []Column, ignoreID int) (Column, bool) {
	if day.IsClosed {
		return Column{}, false
	}
	cells := OperatingGrid(day)
	for i, c := range cells {
		if c.TimeNum != startNum {
			continue
		}
		free := AvailableAt(day, cells, i, RequiredCells(durationMin), candidates, ignoreID)
		if len(free) == 0 {
			return Column{}, false
		}
		return free[0], true
	}
	return Column{}, false
}
