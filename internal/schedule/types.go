package schedule

import "strings"

// EmergencyColumn is never offered by automatic staff selection.
const EmergencyColumn = "emergency"

// Column is a bookable staff member or chair in the clinic grid.
type Column struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func (c Column) IsEmergency() bool {
	return strings.EqualFold(strings.TrimSpace(c.Name), EmergencyColumn)
}

// TimeRow is one 15-minute cell of the operating day.
type TimeRow struct {
	Hour             int    `json:"hour"`
	Minute           int    `json:"minute"`
	TimeText         string `json:"time_text"`
	TimeNum          int    `json:"time_num"`
	IsBreakTime      bool   `json:"is_break_time"`
	IsNightBreakTime bool   `json:"is_night_break_time"`
}

// Blocked reports whether the cell is a break of any kind.
func (t TimeRow) Blocked() bool { return t.IsBreakTime || t.IsNightBreakTime }

// Minutes returns minutes since midnight.
func (t TimeRow) Minutes() int { return NumToMinutes(t.TimeNum) }

// Reserve is an existing booking occupying one column over [TimeFromNum, TimeToNum).
type Reserve struct {
	ID              int    `json:"id"`
	ColumnID        int    `json:"column_id"`
	Date            string `json:"date"`
	TimeFromNum     int    `json:"time_from_num"`
	TimeToNum       int    `json:"time_to_num"`
	Cancel          int    `json:"cancel"`
	PatientID       int    `json:"patient_id"`
	PatientName     string `json:"patient_name"`
	PatientTel      string `json:"patient_tel"`
	TreatmentItemID int    `json:"treatment_item_id"`
	Color           string `json:"color"`
	Note            string `json:"note"`
}

// Active reports whether the booking still blocks its column.
func (r Reserve) Active() bool { return r.Cancel == 0 }

// Overlaps compares half-open HHMM intervals.
func (r Reserve) Overlaps(fromNum, toNum int) bool {
	return r.TimeFromNum < toNum && fromNum < r.TimeToNum
}

// DurationMin is the booked length in minutes.
func (r Reserve) DurationMin() int {
	return NumToMinutes(r.TimeToNum) - NumToMinutes(r.TimeFromNum)
}

// TreatmentItem is a menu definition.
type TreatmentItem struct {
	ID            int    `json:"id"`
	Title         string `json:"title"`
	TreatmentTime int    `json:"treatment_time"`
	UseColumn     []int  `json:"use_column"`
	Color         string `json:"color"`
}

// Allows reports whether the item may be performed on column id. An item
// without a column list allows every column.
func (t TreatmentItem) Allows(columnID int) bool {
	if len(t.UseColumn) == 0 {
		return true
	}
	for _, id := range t.UseColumn {
		if id == columnID {
			return true
		}
	}
	return false
}

// Day is one date of the remote schedule as loaded from the calendar.
type Day struct {
	Date      string    `json:"date"`
	IsClosed  bool      `json:"is_closed"`
	StartTime int       `json:"start_time"`
	EndTime   int       `json:"end_time"`
	Columns   []Column  `json:"columns"`
	Times     []TimeRow `json:"times"`
	Reserves  []Reserve `json:"reserves"`
}

// Column looks up a column by id.
func (d Day) Column(id int) (Column, bool) {
	for _, c := range d.Columns {
		if c.ID == id {
			return c, true
		}
	}
	return Column{}, false
}

// Slot is the externally visible unit of availability.
type Slot struct {
	Date         string `json:"date"`
	Time         string `json:"time"`
	DurationMin  int    `json:"duration_min"`
	Stock        int    `json:"stock"`
	ResourceName string `json:"resource_name"`
}
