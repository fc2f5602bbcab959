package clinic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/example/clinic-scheduler/internal/remote"
)

// Screens and XHR endpoints of the scheduling application.
const (
	PathLogin   = "/login"
	PathReserve = "/reserve"

	EndpointDaily         = "/reserve/daily"
	EndpointPatientSearch = "/patient/search"
	EndpointDetail        = "/reserve/detail"
	EndpointStore         = "/reserve/store"
	EndpointUpdate        = "/reserve/update"
	EndpointCancel        = "/reserve/cancel"
)

// Component methods and fields.
const (
	methodChangeDate = "changeDate"
	methodSearch     = "search"
	methodOpenNew    = "openNew"
	methodOpenEdit   = "openEdit"
	methodSubmit     = "submit"
	methodCancel     = "cancel"
	methodClose      = "close"

	fieldTreatmentItems = "treatmentItems"
	fieldColumns        = "columns"
	fieldCurrentDate    = "currentDate"
)

// Cancellation codes understood by the remote form.
const (
	CircumstanceCancel = 1 // history kept
	CircumstanceDelete = 2 // history removed
	ReasonTelephone    = 2
)

// envelope wraps every XHR response of the remote application.
type envelope struct {
	Result       bool            `json:"result"`
	Data         json.RawMessage `json:"data"`
	Message      string          `json:"message"`
	Confirmation json.RawMessage `json:"confirmation"`
}

func decodeEnvelope(resp *remote.Response) (envelope, error) {
	var env envelope
	if resp.Status >= 400 {
		return env, fmt.Errorf("%w: %s returned status %d", ErrRemote, resp.URL, resp.Status)
	}
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return env, fmt.Errorf("%w: decode %s: %v", ErrRemote, resp.URL, err)
	}
	return env, nil
}

func (e envelope) confirmed() bool {
	c := bytes.TrimSpace(e.Confirmation)
	return len(c) > 0 && !bytes.Equal(c, []byte("null")) && !bytes.Equal(c, []byte("false"))
}

// rejected reports a failed mutation. A confirmation prompt counts as
// failure even when result is true.
func (e envelope) rejected() bool {
	return !e.Result || e.confirmed()
}

func (e envelope) reason() string {
	if e.Message != "" {
		return e.Message
	}
	var s string
	if e.confirmed() && json.Unmarshal(e.Confirmation, &s) == nil && s != "" {
		return s
	}
	if e.confirmed() {
		return "remote asked for confirmation"
	}
	return "remote rejected the request"
}

func (e envelope) decode(dest any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: empty response data", ErrRemote)
	}
	if err := json.Unmarshal(e.Data, dest); err != nil {
		return fmt.Errorf("%w: decode data: %v", ErrRemote, err)
	}
	return nil
}

var conflictRe = regexp.MustCompile(`(?i)(重複|既に予約|予約が入って|conflict|overlap|already (booked|reserved))`)

// isScheduleConflict reports whether a remote rejection message means the
// slot collides with another booking.
func isScheduleConflict(msg string) bool {
	return conflictRe.MatchString(msg)
}

type patientQuery struct {
	Tel  string `json:"tel"`
	Name string `json:"name"`
}

// Patient is a customer record of the remote application.
type Patient struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Tel  string `json:"tel"`
}

type openNewArgs struct {
	Date     string `json:"date"`
	ColumnID int    `json:"column_id"`
	TimeFrom string `json:"time_from"`
}

type reservePayload struct {
	ID              int    `json:"id,omitempty"`
	Date            string `json:"date"`
	ColumnID        int    `json:"column_id"`
	TimeFrom        string `json:"time_from"`
	TimeTo          string `json:"time_to"`
	PatientID       int    `json:"patient_id,omitempty"`
	PatientName     string `json:"patient_name"`
	PatientTel      string `json:"patient_tel"`
	TreatmentItemID int    `json:"treatment_item_id,omitempty"`
	Color           string `json:"color,omitempty"`
	Note            string `json:"note"`
}

type cancelPayload struct {
	Circumstance int `json:"circumstance"`
	Reason       int `json:"reason,omitempty"`
}
