package clinic

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/clinic-scheduler/internal/schedule"
)

var (
	ErrReservationNotFound = errors.New("reservation not found")
	ErrRemote              = errors.New("remote application error")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrMenuNotFound        = errors.New("menu not found")
	ErrLoggedOut           = errors.New("remote session logged out")
)

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpCancel Operation = "cancel"
	OpDelete Operation = "delete"
)

type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusConflict Status = "conflict"
)

// Error codes carried by failed or conflicting results.
const (
	CodeNoAvailableStaff  = "NO_AVAILABLE_STAFF"
	CodeNoCompatibleStaff = "NO_COMPATIBLE_STAFF"
	CodeStaffNotFound     = "STAFF_NOT_FOUND"
	CodeMenuNotFound      = "MENU_NOT_FOUND"
	CodeNotFound          = "RESERVATION_NOT_FOUND"
	CodeScheduleConflict  = "SCHEDULE_CONFLICT"
	CodeRemoteRejected    = "REMOTE_REJECTED"
	CodeClosed            = "CLINIC_CLOSED"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeProcessingError   = "PROCESSING_ERROR"
)

const (
	PreferenceAny      = "any"
	PreferenceSpecific = "specific"
)

type Request struct {
	ReservationID string      `json:"reservation_id"`
	Operation     Operation   `json:"operation"`
	Slot          SlotRequest `json:"slot"`
	Customer      Customer    `json:"customer"`
	Menu          *MenuRef    `json:"menu,omitempty"`
	Staff         *StaffRef   `json:"staff,omitempty"`
}

type SlotRequest struct {
	Date        string   `json:"date"`
	StartAt     string   `json:"start_at"`
	EndAt       string   `json:"end_at,omitempty"`
	DurationMin int      `json:"duration_min,omitempty"`
	Desired     *Desired `json:"desired,omitempty"`
}

// Desired is the new date and/or time of an update.
type Desired struct {
	Date string `json:"date,omitempty"`
	Time string `json:"time,omitempty"`
}

type Customer struct {
	CustomerID string `json:"customer_id,omitempty"`
	Name       string `json:"name"`
	Phone      string `json:"phone"`
}

type MenuRef struct {
	ExternalMenuID string `json:"external_menu_id,omitempty"`
	MenuName       string `json:"menu_name,omitempty"`
}

func (m *MenuRef) empty() bool {
	return m == nil || (m.ExternalMenuID == "" && m.MenuName == "")
}

type StaffRef struct {
	StaffID    string `json:"staff_id,omitempty"`
	Preference string `json:"preference,omitempty"`
}

type Result struct {
	ReservationID string    `json:"reservation_id"`
	Operation     Operation `json:"operation"`
	Result        Outcome   `json:"result"`
}

type Outcome struct {
	Status                Status `json:"status"`
	ExternalReservationID string `json:"external_reservation_id,omitempty"`
	ErrorCode             string `json:"error_code,omitempty"`
	ErrorMessage          string `json:"error_message,omitempty"`
}

func succeeded(externalID int) Outcome {
	o := Outcome{Status: StatusSuccess}
	if externalID != 0 {
		o.ExternalReservationID = fmt.Sprint(externalID)
	}
	return o
}

func failed(code, format string, args ...any) Outcome {
	return Outcome{Status: StatusFailed, ErrorCode: code, ErrorMessage: fmt.Sprintf(format, args...)}
}

func conflict(code, format string, args ...any) Outcome {
	return Outcome{Status: StatusConflict, ErrorCode: code, ErrorMessage: fmt.Sprintf(format, args...)}
}

// Validate checks a request before any remote call is made.
func (r Request) Validate() error {
	switch r.Operation {
	case OpCreate, OpUpdate, OpCancel, OpDelete:
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidRequest, r.Operation)
	}
	if _, err := time.Parse(time.DateOnly, r.Slot.Date); err != nil {
		return fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidRequest)
	}
	if _, err := schedule.ParseTime(r.Slot.StartAt); err != nil {
		return fmt.Errorf("%w: time: %v", ErrInvalidRequest, err)
	}
	if r.Slot.EndAt != "" {
		if _, err := schedule.ParseTime(r.Slot.EndAt); err != nil {
			return fmt.Errorf("%w: end time: %v", ErrInvalidRequest, err)
		}
	}
	if r.Slot.DurationMin < 0 {
		return fmt.Errorf("%w: duration must not be negative", ErrInvalidRequest)
	}
	if schedule.NormalizePhone(r.Customer.Phone) == "" {
		return fmt.Errorf("%w: customer phone is required", ErrInvalidRequest)
	}
	if r.Operation == OpCreate && r.Customer.Name == "" {
		return fmt.Errorf("%w: customer name is required", ErrInvalidRequest)
	}
	if d := r.Slot.Desired; d != nil {
		if d.Date != "" {
			if _, err := time.Parse(time.DateOnly, d.Date); err != nil {
				return fmt.Errorf("%w: desired date must be YYYY-MM-DD", ErrInvalidRequest)
			}
		}
		if d.Time != "" {
			if _, err := schedule.ParseTime(d.Time); err != nil {
				return fmt.Errorf("%w: desired time: %v", ErrInvalidRequest, err)
			}
		}
	}
	if s := r.Staff; s != nil && s.Preference == PreferenceSpecific && s.StaffID == "" {
		return fmt.Errorf("%w: staff id is required for a specific preference", ErrInvalidRequest)
	}
	return nil
}

// requestedDuration is the caller's duration, explicit or from the end time.
func (s SlotRequest) requestedDuration() int {
	if s.DurationMin > 0 {
		return s.DurationMin
	}
	if s.EndAt == "" {
		return 0
	}
	from, err1 := schedule.ParseTime(s.StartAt)
	to, err2 := schedule.ParseTime(s.EndAt)
	if err1 != nil || err2 != nil {
		return 0
	}
	if d := schedule.NumToMinutes(to) - schedule.NumToMinutes(from); d > 0 {
		return d
	}
	return 0
}

// Reservation is a booking as reported by search.
type Reservation struct {
	ReservationID string `json:"reservation_id"`
	Date          string `json:"date"`
	Time          string `json:"time"`
	EndTime       string `json:"end_time"`
	DurationMin   int    `json:"duration_min"`
	CustomerName  string `json:"customer_name"`
	CustomerPhone string `json:"customer_phone"`
	Staff         string `json:"staff"`
	Menu          string `json:"menu,omitempty"`
}

// MenuEntry is a treatment item with its resource names resolved.
type MenuEntry struct {
	ExternalMenuID string   `json:"external_menu_id"`
	MenuName       string   `json:"menu_name"`
	DurationMin    int      `json:"duration_min"`
	Resources      []string `json:"resources"`
	ResourceIDs    []int    `json:"resource_ids"`
}

// SlotQuery filters an availability scan over a date range.
type SlotQuery struct {
	DateFrom    string
	DateTo      string
	Resources   []string
	DurationMin int
	MenuID      string
	MenuName    string
}
