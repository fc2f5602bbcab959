package clinic

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/example/clinic-scheduler/internal/remote"
	"github.com/example/clinic-scheduler/internal/schedule"
)

// Process runs one reservation request. Business outcomes (conflict, remote
// rejection, missing booking) come back in the Result; infrastructure
// failures come back as errors.
func (d *Driver) Process(ctx context.Context, page remote.Page, req Request) (Result, error) {
	res := Result{ReservationID: req.ReservationID, Operation: req.Operation}
	if err := req.Validate(); err != nil {
		return res, err
	}

	log := d.log.With(zap.String("op", string(req.Operation)), zap.String("reservation_id", req.ReservationID))
	var (
		out Outcome
		err error
	)
	switch req.Operation {
	case OpCreate:
		out, err = d.create(ctx, page, req)
	case OpUpdate:
		out, err = d.update(ctx, page, req)
	case OpCancel:
		out, err = d.cancel(ctx, page, req, CircumstanceCancel)
	case OpDelete:
		out, err = d.cancel(ctx, page, req, CircumstanceDelete)
	}
	if err != nil {
		log.Error("reservation failed", zap.Error(err))
		return res, err
	}
	log.Info("reservation processed", zap.String("status", string(out.Status)), zap.String("code", out.ErrorCode))
	res.Result = out
	return res, nil
}

// ProcessBatch runs requests in order on one page. Every request gets a
// result; errors are folded into failed results.
func (d *Driver) ProcessBatch(ctx context.Context, page remote.Page, reqs []Request) []Result {
	out := make([]Result, 0, len(reqs))
	for _, req := range reqs {
		res, err := d.Process(ctx, page, req)
		if err != nil {
			code := CodeProcessingError
			if errors.Is(err, ErrInvalidRequest) {
				code = CodeInvalidRequest
			}
			res.Result = failed(code, "%v", err)
		}
		out = append(out, res)
	}
	return out
}

func (d *Driver) create(ctx context.Context, page remote.Page, req Request) (Outcome, error) {
	items, err := d.TreatmentItems(ctx, page)
	if err != nil {
		return Outcome{}, err
	}
	menu, err := resolveMenu(items, req.Menu)
	if err != nil {
		return failed(CodeMenuNotFound, "%v", err), nil
	}
	startNum, _ := schedule.ParseTime(req.Slot.StartAt)
	duration := schedule.EffectiveDuration(req.Slot.requestedDuration(), menu)
	endNum := schedule.AddMinutes(startNum, duration)

	day, err := d.LoadDay(ctx, page, req.Slot.Date)
	if err != nil {
		return Outcome{}, err
	}
	if day.IsClosed {
		return failed(CodeClosed, "clinic is closed on %s", day.Date), nil
	}
	col, out := pickColumn(day, startNum, duration, menu, req.Staff)
	if out != nil {
		return *out, nil
	}

	patient, err := d.resolvePatient(ctx, page, req.Customer)
	if err != nil {
		return Outcome{}, err
	}
	payload := reservePayload{
		Date:        req.Slot.Date,
		ColumnID:    col.ID,
		TimeFrom:    schedule.FormatNum(startNum),
		TimeTo:      schedule.FormatNum(endNum),
		PatientID:   patient.ID,
		PatientName: firstNonEmpty(patient.Name, req.Customer.Name),
		PatientTel:  schedule.NormalizePhone(req.Customer.Phone),
		Note:        schedule.NoteWithPhone("", req.Customer.Phone),
	}
	if menu != nil {
		payload.TreatmentItemID = menu.ID
		payload.Color = menu.Color
	}

	done := false
	defer func() {
		if !done {
			d.cleanup(ctx, page)
		}
	}()
	if err := page.Call(ctx, remote.HandleReserveForm, methodOpenNew, openNewArgs{
		Date: payload.Date, ColumnID: payload.ColumnID, TimeFrom: payload.TimeFrom,
	}); err != nil {
		return Outcome{}, err
	}
	env, err := d.submit(ctx, page, EndpointStore, payload)
	if err != nil {
		return Outcome{}, err
	}
	if env.rejected() {
		return failed(CodeRemoteRejected, "%s", env.reason()), nil
	}
	done = true

	after, err := d.LoadDay(ctx, page, req.Slot.Date)
	if err != nil {
		return Outcome{}, err
	}
	rec, ok := findCreated(after, col.ID, startNum, endNum, patient.ID, payload.PatientName)
	if !ok {
		d.log.Warn("created reservation not found on re-read", zap.String("date", req.Slot.Date), zap.String("time", payload.TimeFrom))
		return succeeded(0), nil
	}
	return succeeded(rec.ID), nil
}

// pickColumn chooses the column for a new booking. A non-nil Outcome means
// no column could be used.
func pickColumn(day schedule.Day, startNum, duration int, menu *schedule.TreatmentItem, staff *StaffRef) (schedule.Column, *Outcome) {
	if staff != nil && staff.Preference == PreferenceSpecific {
		var col schedule.Column
		found := false
		for _, c := range day.Columns {
			if strconv.Itoa(c.ID) == staff.StaffID || strings.EqualFold(c.Name, staff.StaffID) {
				col, found = c, true
				break
			}
		}
		if !found {
			o := failed(CodeStaffNotFound, "staff %s not found", staff.StaffID)
			return col, &o
		}
		if _, ok := schedule.FindFreeColumn(day, startNum, duration, []schedule.Column{col}, 0); !ok {
			o := conflict(CodeNoAvailableStaff, "%s is not available at %s", col.Name, schedule.FormatNum(startNum))
			return col, &o
		}
		return col, nil
	}

	candidates := schedule.EligibleColumns(day.Columns, nil, menu)
	col, ok := schedule.FindFreeColumn(day, startNum, duration, candidates, 0)
	if !ok {
		o := conflict(CodeNoAvailableStaff, "no staff available at %s %s", day.Date, schedule.FormatNum(startNum))
		return col, &o
	}
	return col, nil
}

// resolvePatient returns the existing patient for c, or a zero Patient when
// the booking should create a new one.
func (d *Driver) resolvePatient(ctx context.Context, page remote.Page, c Customer) (Patient, error) {
	if id, err := strconv.Atoi(c.CustomerID); err == nil && id > 0 {
		return Patient{ID: id, Name: c.Name, Tel: c.Phone}, nil
	}
	ps, err := d.SearchPatients(ctx, page, c.Phone, c.Name)
	if err != nil {
		d.log.Warn("patient lookup failed, booking as new patient", zap.Error(err))
		return Patient{}, nil
	}
	phone := schedule.NormalizePhone(c.Phone)
	for _, p := range ps {
		if strings.TrimSpace(p.Name) == strings.TrimSpace(c.Name) && schedule.NormalizePhone(p.Tel) == phone {
			return p, nil
		}
	}
	return Patient{}, nil
}

func findCreated(day schedule.Day, columnID, fromNum, toNum, patientID int, name string) (schedule.Reserve, bool) {
	for _, r := range day.Reserves {
		if !r.Active() || r.ColumnID != columnID || r.TimeFromNum != fromNum || r.TimeToNum != toNum {
			continue
		}
		if (patientID != 0 && r.PatientID == patientID) || r.PatientName == name {
			return r, true
		}
	}
	return schedule.Reserve{}, false
}

func (d *Driver) submit(ctx context.Context, page remote.Page, endpoint string, payload reservePayload) (envelope, error) {
	resp, err := page.Expect(ctx, remote.PathContains(endpoint), func() error {
		return page.Call(ctx, remote.HandleReserveForm, methodSubmit, payload)
	})
	if err != nil {
		return envelope{}, err
	}
	return decodeEnvelope(resp)
}

// openEdit opens the edit dialog of id and returns the detail record.
func (d *Driver) openEdit(ctx context.Context, page remote.Page, id int) (schedule.Reserve, error) {
	var rec schedule.Reserve
	resp, err := page.Expect(ctx, remote.PathContains(EndpointDetail), func() error {
		return page.Call(ctx, remote.HandleReserveForm, methodOpenEdit, id)
	})
	if err != nil {
		return rec, err
	}
	env, err := decodeEnvelope(resp)
	if err != nil {
		return rec, err
	}
	if !env.Result {
		return rec, errors.Join(ErrRemote, errors.New(env.reason()))
	}
	err = env.decode(&rec)
	return rec, err
}

func (d *Driver) update(ctx context.Context, page remote.Page, req Request) (Outcome, error) {
	startNum, _ := schedule.ParseTime(req.Slot.StartAt)
	day, rec, err := d.locate(ctx, page, req.Slot.Date, startNum, req.Customer.Phone)
	if errors.Is(err, ErrReservationNotFound) {
		return failed(CodeNotFound, "%v", err), nil
	}
	if err != nil {
		return Outcome{}, err
	}
	items, err := d.TreatmentItems(ctx, page)
	if err != nil {
		return Outcome{}, err
	}
	menu, err := resolveMenu(items, req.Menu)
	if err != nil {
		return failed(CodeMenuNotFound, "%v", err), nil
	}

	newDate, newStart := req.Slot.Date, startNum
	if ds := req.Slot.Desired; ds != nil {
		if ds.Date != "" {
			newDate = ds.Date
		}
		if ds.Time != "" {
			newStart, _ = schedule.ParseTime(ds.Time)
		}
	}
	moved := newDate != req.Slot.Date || newStart != startNum

	duration := rec.DurationMin()
	if menu != nil || req.Slot.requestedDuration() > 0 {
		duration = schedule.EffectiveDuration(req.Slot.requestedDuration(), menu)
	}

	target := day
	if newDate != req.Slot.Date {
		if target, err = d.LoadDay(ctx, page, newDate); err != nil {
			return Outcome{}, err
		}
	}

	columnID := rec.ColumnID
	if menu != nil && !menu.Allows(columnID) {
		alt, ok := schedule.FindFreeColumn(target, newStart, duration, schedule.EligibleColumns(target.Columns, nil, menu), rec.ID)
		if !ok {
			return failed(CodeNoCompatibleStaff, "no compatible staff available for %s at %s %s",
				menu.Title, newDate, schedule.FormatNum(newStart)), nil
		}
		columnID = alt.ID
	}

	payload := reservePayload{
		ID:              rec.ID,
		Date:            newDate,
		ColumnID:        columnID,
		TimeFrom:        schedule.FormatNum(newStart),
		TimeTo:          schedule.FormatNum(schedule.AddMinutes(newStart, duration)),
		PatientID:       rec.PatientID,
		PatientName:     rec.PatientName,
		PatientTel:      firstNonEmpty(rec.PatientTel, schedule.NormalizePhone(req.Customer.Phone)),
		TreatmentItemID: rec.TreatmentItemID,
		Color:           rec.Color,
		Note:            schedule.NoteWithPhone(rec.Note, req.Customer.Phone),
	}
	if menu != nil {
		payload.TreatmentItemID = menu.ID
		payload.Color = menu.Color
	}

	env, err := d.submitEdit(ctx, page, req.Slot.Date, payload, newDate != req.Slot.Date)
	if err != nil {
		return Outcome{}, err
	}
	if !env.rejected() {
		return succeeded(rec.ID), nil
	}
	if !moved || !isScheduleConflict(env.reason()) {
		return rejection(env), nil
	}

	// One retry on another free column, without the menu restriction.
	d.log.Info("update collided, retrying on another column", zap.Int("reserve", rec.ID), zap.String("reason", env.reason()))
	target, err = d.LoadDay(ctx, page, newDate)
	if err != nil {
		return Outcome{}, err
	}
	alt, ok := schedule.FindFreeColumn(target, newStart, duration, schedule.EligibleColumns(target.Columns, nil, nil), rec.ID)
	if !ok {
		return conflict(CodeNoAvailableStaff, "no staff available at %s %s", newDate, schedule.FormatNum(newStart)), nil
	}
	payload.ColumnID = alt.ID
	env, err = d.submitEdit(ctx, page, req.Slot.Date, payload, true)
	if err != nil {
		return Outcome{}, err
	}
	if env.rejected() {
		return rejection(env), nil
	}
	return succeeded(rec.ID), nil
}

// rejection maps a rejected update. Only updates treat a double booking as a
// conflict; create rejections are always failures.
func rejection(env envelope) Outcome {
	if isScheduleConflict(env.reason()) {
		return conflict(CodeScheduleConflict, "%s", env.reason())
	}
	return failed(CodeRemoteRejected, "%s", env.reason())
}

// submitEdit shows date, opens the booking for edit and submits payload.
// The screen is cleaned up unless the update went through.
func (d *Driver) submitEdit(ctx context.Context, page remote.Page, date string, payload reservePayload, reloadDay bool) (env envelope, err error) {
	defer func() {
		if err != nil || env.rejected() {
			d.cleanup(ctx, page)
		}
	}()
	if reloadDay {
		if _, err = d.LoadDay(ctx, page, date); err != nil {
			return env, err
		}
	}
	if _, err = d.openEdit(ctx, page, payload.ID); err != nil {
		return env, err
	}
	return d.submit(ctx, page, EndpointUpdate, payload)
}

func (d *Driver) cancel(ctx context.Context, page remote.Page, req Request, circumstance int) (out Outcome, err error) {
	startNum, _ := schedule.ParseTime(req.Slot.StartAt)
	_, rec, err := d.locate(ctx, page, req.Slot.Date, startNum, req.Customer.Phone)
	if errors.Is(err, ErrReservationNotFound) {
		return failed(CodeNotFound, "%v", err), nil
	}
	if err != nil {
		return Outcome{}, err
	}

	defer func() {
		if err != nil || out.Status != StatusSuccess {
			d.cleanup(ctx, page)
		}
	}()
	if _, err = d.openEdit(ctx, page, rec.ID); err != nil {
		return Outcome{}, err
	}
	args := cancelPayload{Circumstance: circumstance}
	if circumstance == CircumstanceCancel {
		args.Reason = ReasonTelephone
	}
	resp, err := page.Expect(ctx, remote.PathContains(EndpointCancel), func() error {
		return page.Call(ctx, remote.HandleReserveForm, methodCancel, args)
	})
	if err != nil {
		return Outcome{}, err
	}
	env, err := decodeEnvelope(resp)
	if err != nil {
		return Outcome{}, err
	}
	if env.rejected() {
		return failed(CodeRemoteRejected, "%s", env.reason()), nil
	}
	return succeeded(rec.ID), nil
}
