package clinic

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/clinic-scheduler/internal/remote"
	"github.com/example/clinic-scheduler/internal/schedule"
)

const (
	fakeBase     = "https://clinic.test"
	fakeLoginKey = "clinic01"
	fakePassword = "secret"
)

var jst = time.FixedZone("JST", 9*3600)

// fakeClinic is an in-memory stand-in for the remote scheduling application
// reached through remote.Page.
type fakeClinic struct {
	mu sync.Mutex

	url      string
	filled   map[string]string
	date     string
	columns  []schedule.Column
	times    []schedule.TimeRow
	start    int
	end      int
	closed   map[string]bool
	items    []schedule.TreatmentItem
	reserves []schedule.Reserve
	patients []Patient
	nextID   int

	formMode string
	editID   int
	pending  *remote.Response

	// rejectNext makes the next submit fail with this message, rejectAll
	// every submit.
	rejectNext string
	rejectAll  string
	// confirmNext makes the next submit ask for confirmation.
	confirmNext string

	submits     int
	reloads     int
	closedForms int
	cancels     []cancelPayload
}

func newFakeClinic() *fakeClinic {
	var times []schedule.TimeRow
	for m := 9 * 60; m < 18*60; m += schedule.CellMinutes {
		n := schedule.MinutesToNum(m)
		times = append(times, schedule.TimeRow{
			Hour:        m / 60,
			Minute:      m % 60,
			TimeText:    schedule.FormatNum(n),
			TimeNum:     n,
			IsBreakTime: n >= 1230 && n < 1330,
		})
	}
	return &fakeClinic{
		url:    "about:blank",
		filled: map[string]string{},
		columns: []schedule.Column{
			{ID: 1, Name: "Dr. Sato"},
			{ID: 2, Name: "Dr. Ito"},
			{ID: 9, Name: "Emergency"},
		},
		times:  times,
		start:  900,
		end:    1800,
		closed: map[string]bool{},
		items: []schedule.TreatmentItem{
			{ID: 10, Title: "Checkup", TreatmentTime: 30, Color: "#00f"},
			{ID: 11, Title: "Implant consultation", TreatmentTime: 60, UseColumn: []int{1}, Color: "#f00"},
			{ID: 12, Title: "Hygiene", TreatmentTime: 45, UseColumn: []int{2}, Color: "#0f0"},
		},
		nextID: 100,
	}
}

func (f *fakeClinic) loggedIn() *fakeClinic {
	f.filled["login"] = fakeLoginKey
	f.url = fakeBase + PathReserve
	return f
}

func (f *fakeClinic) addReserve(r schedule.Reserve) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	r.ID = f.nextID
	f.reserves = append(f.reserves, r)
	return r.ID
}

func (f *fakeClinic) reserve(id int) (schedule.Reserve, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.reserves {
		if r.ID == id {
			return r, true
		}
	}
	return schedule.Reserve{}, false
}

func (f *fakeClinic) Goto(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.url = url
	if strings.HasSuffix(url, PathReserve) && f.filled["login"] == "" {
		f.url = fakeBase + PathLogin
	}
	return nil
}

func (f *fakeClinic) Reload(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	f.formMode = ""
	f.editID = 0
	return nil
}

func (f *fakeClinic) URL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url
}

func (f *fakeClinic) Fill(_ context.Context, selector, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filled[selector] = value
	return nil
}

func (f *fakeClinic) Click(_ context.Context, selector string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sel := remote.DefaultLoginSelectors()
	if selector != sel.Submit {
		return fmt.Errorf("no element %s", selector)
	}
	if f.filled[sel.LoginKey] == fakeLoginKey && f.filled[sel.Password] == fakePassword {
		f.filled["login"] = fakeLoginKey
		f.url = fakeBase + PathReserve
	}
	return nil
}

func (f *fakeClinic) WaitForURL(_ context.Context, pattern string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !strings.Contains(f.url, strings.Trim(pattern, "*")) {
		return fmt.Errorf("timeout waiting for %s at %s", pattern, f.url)
	}
	return nil
}

func (f *fakeClinic) State(_ context.Context, handle, field string, dest any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if handle != remote.HandleCalendar {
		return fmt.Errorf("%w: %s", remote.ErrComponentMissing, handle)
	}
	var v any
	switch field {
	case fieldTreatmentItems:
		v = f.items
	case fieldColumns:
		v = f.columns
	case fieldCurrentDate:
		v = f.date
	default:
		v = nil
	}
	return roundTrip(v, dest)
}

func roundTrip(v, dest any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

func (f *fakeClinic) respond(path string, env envelope) {
	body, _ := json.Marshal(env)
	f.pending = &remote.Response{URL: fakeBase + "/api" + path, Status: 200, Body: body}
}

func okEnvelope(data any) envelope {
	raw, _ := json.Marshal(data)
	return envelope{Result: true, Data: raw}
}

func (f *fakeClinic) Call(_ context.Context, handle, method string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch handle + "." + method {
	case "calendar.changeDate":
		f.date = args[0].(string)
		f.respond(EndpointDaily, okEnvelope(f.dayView(f.date)))
	case "patientSearch.search":
		var q patientQuery
		if err := roundTrip(args[0], &q); err != nil {
			return err
		}
		out := []Patient{}
		for _, p := range f.patients {
			if (q.Tel != "" && schedule.NormalizePhone(p.Tel) == q.Tel) || (q.Tel == "" && q.Name != "" && p.Name == q.Name) {
				out = append(out, p)
			}
		}
		f.respond(EndpointPatientSearch, okEnvelope(out))
	case "reserveForm.openNew":
		f.formMode = "new"
	case "reserveForm.openEdit":
		id := args[0].(int)
		for _, r := range f.reserves {
			if r.ID == id {
				f.formMode, f.editID = "edit", id
				f.respond(EndpointDetail, okEnvelope(r))
				return nil
			}
		}
		f.respond(EndpointDetail, envelope{Result: false, Message: "not found"})
	case "reserveForm.submit":
		var p reservePayload
		if err := roundTrip(args[0], &p); err != nil {
			return err
		}
		f.submit(p)
	case "reserveForm.cancel":
		var p cancelPayload
		if err := roundTrip(args[0], &p); err != nil {
			return err
		}
		f.cancel(p)
	case "reserveForm.close":
		f.closedForms++
		f.formMode = ""
	default:
		return fmt.Errorf("no method %s.%s", handle, method)
	}
	return nil
}

func (f *fakeClinic) dayView(date string) schedule.Day {
	day := schedule.Day{
		Date:      date,
		IsClosed:  f.closed[date],
		StartTime: f.start,
		EndTime:   f.end,
		Columns:   f.columns,
		Times:     f.times,
		Reserves:  []schedule.Reserve{},
	}
	for _, r := range f.reserves {
		if r.Date == date {
			day.Reserves = append(day.Reserves, r)
		}
	}
	return day
}

func (f *fakeClinic) collides(p reservePayload, from, to int) bool {
	for _, r := range f.reserves {
		if r.Date == p.Date && r.ColumnID == p.ColumnID && r.Active() && r.ID != p.ID && r.Overlaps(from, to) {
			return true
		}
	}
	return false
}

func (f *fakeClinic) submit(p reservePayload) {
	f.submits++
	endpoint := EndpointStore
	if f.formMode == "edit" {
		endpoint = EndpointUpdate
	}
	if f.formMode == "" {
		f.respond(endpoint, envelope{Result: false, Message: "form is not open"})
		return
	}
	if msg := firstNonEmpty(f.rejectAll, f.rejectNext); msg != "" {
		f.rejectNext = ""
		f.respond(endpoint, envelope{Result: false, Message: msg})
		return
	}
	from, _ := schedule.ParseTime(p.TimeFrom)
	to, _ := schedule.ParseTime(p.TimeTo)
	if msg := f.confirmNext; msg != "" || from < f.start || to > f.end {
		if msg == "" {
			msg = "診療時間外です。登録しますか？"
		}
		f.confirmNext = ""
		raw, _ := json.Marshal(msg)
		f.respond(endpoint, envelope{Result: true, Confirmation: raw})
		return
	}
	if f.collides(p, from, to) {
		f.respond(endpoint, envelope{Result: false, Message: "他の予約と重複しています"})
		return
	}

	r := schedule.Reserve{
		ColumnID: p.ColumnID, Date: p.Date, TimeFromNum: from, TimeToNum: to,
		PatientID: p.PatientID, PatientName: p.PatientName, PatientTel: p.PatientTel,
		TreatmentItemID: p.TreatmentItemID, Color: p.Color, Note: p.Note,
	}
	if f.formMode == "new" {
		if r.PatientID == 0 {
			r.PatientID = 500 + len(f.patients)
			f.patients = append(f.patients, Patient{ID: r.PatientID, Name: p.PatientName, Tel: p.PatientTel})
		}
		f.nextID++
		r.ID = f.nextID
		f.reserves = append(f.reserves, r)
	} else {
		for i := range f.reserves {
			if f.reserves[i].ID == f.editID {
				r.ID = f.editID
				r.Cancel = f.reserves[i].Cancel
				f.reserves[i] = r
			}
		}
	}
	f.formMode = ""
	f.respond(endpoint, envelope{Result: true, Data: json.RawMessage("null")})
}

func (f *fakeClinic) cancel(p cancelPayload) {
	f.cancels = append(f.cancels, p)
	if f.formMode != "edit" {
		f.respond(EndpointCancel, envelope{Result: false, Message: "form is not open"})
		return
	}
	out := f.reserves[:0]
	for _, r := range f.reserves {
		if r.ID == f.editID {
			if p.Circumstance == CircumstanceDelete {
				continue
			}
			r.Cancel = 1
		}
		out = append(out, r)
	}
	f.reserves = out
	f.formMode = ""
	f.respond(EndpointCancel, envelope{Result: true, Data: json.RawMessage("null")})
}

func (f *fakeClinic) Expect(_ context.Context, match remote.Matcher, trigger func() error) (*remote.Response, error) {
	if err := trigger(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := f.pending
	f.pending = nil
	if resp == nil || !match(resp.URL) {
		return nil, fmt.Errorf("timeout waiting for response")
	}
	return resp, nil
}

func (f *fakeClinic) Screenshot(context.Context) ([]byte, error) { return []byte("png"), nil }
func (f *fakeClinic) OnClose(func())                            {}
func (f *fakeClinic) Close() error                              { return nil }

// active lists non-cancelled bookings on date ordered by time and column.
func (f *fakeClinic) active(date string) []schedule.Reserve {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []schedule.Reserve
	for _, r := range f.reserves {
		if r.Date == date && r.Active() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TimeFromNum != out[j].TimeFromNum {
			return out[i].TimeFromNum < out[j].TimeFromNum
		}
		return out[i].ColumnID < out[j].ColumnID
	})
	return out
}
