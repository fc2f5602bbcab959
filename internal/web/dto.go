package web

import (
	"strings"

	"github.com/google/uuid"

	"github.com/example/clinic-scheduler/internal/clinic"
)

// reservationBody is the flat request shape of the single-reservation
// endpoints. DELETE may send it as query parameters.
type reservationBody struct {
	ReservationID   string `json:"reservation_id" form:"reservation_id"`
	Date            string `json:"date" form:"date"`
	Time            string `json:"time" form:"time"`
	EndTime         string `json:"end_time" form:"end_time"`
	DurationMin     int    `json:"duration" form:"duration"`
	CustomerID      string `json:"customer_id" form:"customer_id"`
	CustomerName    string `json:"customer_name" form:"customer_name"`
	CustomerPhone   string `json:"customer_phone" form:"customer_phone"`
	ExternalMenuID  string `json:"external_menu_id" form:"external_menu_id"`
	MenuName        string `json:"menu_name" form:"menu_name"`
	StaffID         string `json:"staff_id" form:"staff_id"`
	StaffPreference string `json:"staff_preference" form:"staff_preference"`
	DesiredDate     string `json:"desired_date" form:"desired_date"`
	DesiredTime     string `json:"desired_time" form:"desired_time"`
}

func (b reservationBody) request(op clinic.Operation) clinic.Request {
	id := strings.TrimSpace(b.ReservationID)
	if id == "" {
		id = uuid.NewString()
	}
	req := clinic.Request{
		ReservationID: id,
		Operation:     op,
		Slot: clinic.SlotRequest{
			Date:        strings.TrimSpace(b.Date),
			StartAt:     strings.TrimSpace(b.Time),
			EndAt:       strings.TrimSpace(b.EndTime),
			DurationMin: b.DurationMin,
		},
		Customer: clinic.Customer{
			CustomerID: strings.TrimSpace(b.CustomerID),
			Name:       strings.TrimSpace(b.CustomerName),
			Phone:      strings.TrimSpace(b.CustomerPhone),
		},
	}
	if b.ExternalMenuID != "" || b.MenuName != "" {
		req.Menu = &clinic.MenuRef{ExternalMenuID: strings.TrimSpace(b.ExternalMenuID), MenuName: strings.TrimSpace(b.MenuName)}
	}
	if b.StaffID != "" || b.StaffPreference != "" {
		pref := b.StaffPreference
		if pref == "" {
			pref = clinic.PreferenceSpecific
		}
		req.Staff = &clinic.StaffRef{StaffID: strings.TrimSpace(b.StaffID), Preference: pref}
	}
	if b.DesiredDate != "" || b.DesiredTime != "" {
		req.Slot.Desired = &clinic.Desired{Date: strings.TrimSpace(b.DesiredDate), Time: strings.TrimSpace(b.DesiredTime)}
	}
	return req
}

type reservationResponse struct {
	Success               bool          `json:"success"`
	ReservationID         string        `json:"reservation_id"`
	ExternalReservationID string        `json:"external_reservation_id,omitempty"`
	Status                clinic.Status `json:"status"`
	Error                 string        `json:"error,omitempty"`
	ErrorCode             string        `json:"error_code,omitempty"`
	Screenshot            string        `json:"screenshot,omitempty"`
}
