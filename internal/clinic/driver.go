// Package clinic drives the clinic's web scheduling application through a
// leased remote.Page: loading day grids, scanning availability and running
// reservation operations.
package clinic

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/clinic-scheduler/internal/credentials"
	"github.com/example/clinic-scheduler/internal/remote"
	"github.com/example/clinic-scheduler/internal/schedule"
)

// MaxRangeDays bounds date-range scans.
const MaxRangeDays = 62

type Options struct {
	BaseURL   string
	Location  *time.Location
	Selectors remote.LoginSelectors
	Logger    *zap.Logger
	// Now overrides the clock, mostly for tests.
	Now func() time.Time
}

// Driver holds no page of its own; every call receives a leased page.
type Driver struct {
	baseURL   string
	loc       *time.Location
	selectors remote.LoginSelectors
	log       *zap.Logger
	now       func() time.Time
}

func New(opts Options) *Driver {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Selectors == (remote.LoginSelectors{}) {
		opts.Selectors = remote.DefaultLoginSelectors()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Driver{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		loc:       opts.Location,
		selectors: opts.Selectors,
		log:       opts.Logger,
		now:       opts.Now,
	}
}

// Now is the current time in the clinic's timezone.
func (d *Driver) Now() time.Time {
	return d.now().In(d.loc)
}

// Login signs page into the application and waits for the booking screen.
func (d *Driver) Login(ctx context.Context, page remote.Page, creds credentials.Credentials) error {
	if err := page.Goto(ctx, d.baseURL+PathLogin); err != nil {
		return err
	}
	if err := page.Fill(ctx, d.selectors.LoginKey, creds.LoginKey); err != nil {
		return err
	}
	if err := page.Fill(ctx, d.selectors.Password, creds.LoginPassword); err != nil {
		return err
	}
	if err := page.Click(ctx, d.selectors.Submit); err != nil {
		return err
	}
	if err := page.WaitForURL(ctx, "**"+PathReserve+"**"); err != nil {
		return fmt.Errorf("login did not reach the booking screen: %w", err)
	}
	d.log.Debug("logged in", zap.String("login", creds.Fingerprint()))
	return nil
}

// Ping reloads the booking screen and checks the calendar is still mounted.
func (d *Driver) Ping(ctx context.Context, page remote.Page) error {
	if err := page.Reload(ctx); err != nil {
		return err
	}
	if !onBookingScreen(page) {
		return fmt.Errorf("%w: redirected to %s", ErrLoggedOut, page.URL())
	}
	var date string
	return page.State(ctx, remote.HandleCalendar, fieldCurrentDate, &date)
}

func onBookingScreen(page remote.Page) bool {
	u := page.URL()
	return strings.Contains(u, PathReserve) && !strings.Contains(u, PathLogin)
}

func (d *Driver) openCalendar(ctx context.Context, page remote.Page) error {
	if onBookingScreen(page) {
		return nil
	}
	if err := page.Goto(ctx, d.baseURL+PathReserve); err != nil {
		return err
	}
	if !onBookingScreen(page) {
		return fmt.Errorf("%w: redirected to %s", ErrLoggedOut, page.URL())
	}
	return nil
}

// LoadDay switches the calendar to date and returns its grid.
func (d *Driver) LoadDay(ctx context.Context, page remote.Page, date string) (schedule.Day, error) {
	var day schedule.Day
	if err := d.openCalendar(ctx, page); err != nil {
		return day, err
	}
	resp, err := page.Expect(ctx, remote.PathContains(EndpointDaily), func() error {
		return page.Call(ctx, remote.HandleCalendar, methodChangeDate, date)
	})
	if err != nil {
		return day, fmt.Errorf("load %s: %w", date, err)
	}
	env, err := decodeEnvelope(resp)
	if err != nil {
		return day, err
	}
	if !env.Result {
		return day, fmt.Errorf("%w: load %s: %s", ErrRemote, date, env.reason())
	}
	if err := env.decode(&day); err != nil {
		return day, err
	}
	if day.Date == "" {
		day.Date = date
	}
	return day, nil
}

func (d *Driver) TreatmentItems(ctx context.Context, page remote.Page) ([]schedule.TreatmentItem, error) {
	if err := d.openCalendar(ctx, page); err != nil {
		return nil, err
	}
	var items []schedule.TreatmentItem
	if err := page.State(ctx, remote.HandleCalendar, fieldTreatmentItems, &items); err != nil {
		return nil, fmt.Errorf("read treatment items: %w", err)
	}
	return items, nil
}

func (d *Driver) Columns(ctx context.Context, page remote.Page) ([]schedule.Column, error) {
	if err := d.openCalendar(ctx, page); err != nil {
		return nil, err
	}
	var cols []schedule.Column
	if err := page.State(ctx, remote.HandleCalendar, fieldColumns, &cols); err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	return cols, nil
}

// Menu lists treatment items with the names of the resources they may use.
func (d *Driver) Menu(ctx context.Context, page remote.Page) ([]MenuEntry, error) {
	items, err := d.TreatmentItems(ctx, page)
	if err != nil {
		return nil, err
	}
	cols, err := d.Columns(ctx, page)
	if err != nil {
		return nil, err
	}
	out := make([]MenuEntry, 0, len(items))
	for _, it := range items {
		e := MenuEntry{
			ExternalMenuID: strconv.Itoa(it.ID),
			MenuName:       it.Title,
			DurationMin:    it.TreatmentTime,
			Resources:      []string{},
			ResourceIDs:    []int{},
		}
		for _, c := range schedule.EligibleColumns(cols, nil, &it) {
			e.Resources = append(e.Resources, c.Name)
			e.ResourceIDs = append(e.ResourceIDs, c.ID)
		}
		out = append(out, e)
	}
	return out, nil
}

// resolveMenu finds the requested menu. A nil ref resolves to no menu.
func resolveMenu(items []schedule.TreatmentItem, ref *MenuRef) (*schedule.TreatmentItem, error) {
	if ref.empty() {
		return nil, nil
	}
	it, ok := schedule.FindTreatmentItem(items, ref.ExternalMenuID, ref.MenuName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMenuNotFound, firstNonEmpty(ref.ExternalMenuID, ref.MenuName))
	}
	return &it, nil
}

// Slots scans every day of the query range.
func (d *Driver) Slots(ctx context.Context, page remote.Page, q SlotQuery) ([]schedule.Slot, error) {
	dates, err := DateRange(q.DateFrom, q.DateTo)
	if err != nil {
		return nil, err
	}
	sq := schedule.Query{Columns: q.Resources, DurationMin: q.DurationMin}
	if q.MenuID != "" || q.MenuName != "" {
		items, err := d.TreatmentItems(ctx, page)
		if err != nil {
			return nil, err
		}
		if sq.Menu, err = resolveMenu(items, &MenuRef{ExternalMenuID: q.MenuID, MenuName: q.MenuName}); err != nil {
			return nil, err
		}
	}

	out := []schedule.Slot{}
	for _, date := range dates {
		day, err := d.LoadDay(ctx, page, date)
		if err != nil {
			return nil, err
		}
		out = append(out, schedule.ScanDay(day, sq, d.Now())...)
	}
	return out, nil
}

// DateRange expands an inclusive YYYY-MM-DD range. An empty to means from.
func DateRange(from, to string) ([]string, error) {
	if to == "" {
		to = from
	}
	start, err := time.Parse(time.DateOnly, from)
	if err != nil {
		return nil, fmt.Errorf("%w: date_from must be YYYY-MM-DD", ErrInvalidRequest)
	}
	end, err := time.Parse(time.DateOnly, to)
	if err != nil {
		return nil, fmt.Errorf("%w: date_to must be YYYY-MM-DD", ErrInvalidRequest)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: date_to is before date_from", ErrInvalidRequest)
	}
	if end.Sub(start) > MaxRangeDays*24*time.Hour {
		return nil, fmt.Errorf("%w: range exceeds %d days", ErrInvalidRequest, MaxRangeDays)
	}
	var out []string
	for t := start; !t.After(end); t = t.AddDate(0, 0, 1) {
		out = append(out, t.Format(time.DateOnly))
	}
	return out, nil
}

// SearchPatients runs the application's patient search.
func (d *Driver) SearchPatients(ctx context.Context, page remote.Page, phone, name string) ([]Patient, error) {
	if err := d.openCalendar(ctx, page); err != nil {
		return nil, err
	}
	q := patientQuery{Tel: schedule.NormalizePhone(phone), Name: name}
	resp, err := page.Expect(ctx, remote.PathContains(EndpointPatientSearch), func() error {
		return page.Call(ctx, remote.HandlePatientSearch, methodSearch, q)
	})
	if err != nil {
		return nil, fmt.Errorf("patient search: %w", err)
	}
	env, err := decodeEnvelope(resp)
	if err != nil {
		return nil, err
	}
	if !env.Result {
		return nil, fmt.Errorf("%w: patient search: %s", ErrRemote, env.reason())
	}
	var out []Patient
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return out, nil
	}
	if err := env.decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// patientIDs returns ids of patients whose phone matches. Search failures fall
// back to the note convention.
func (d *Driver) patientIDs(ctx context.Context, page remote.Page, phone string) map[int]bool {
	ids := map[int]bool{}
	ps, err := d.SearchPatients(ctx, page, phone, "")
	if err != nil {
		d.log.Warn("patient search failed, using note lookup", zap.Error(err))
		return ids
	}
	want := schedule.NormalizePhone(phone)
	for _, p := range ps {
		if schedule.NormalizePhone(p.Tel) == want {
			ids[p.ID] = true
		}
	}
	return ids
}

func matchesCustomer(r schedule.Reserve, ids map[int]bool, phone string) bool {
	if r.PatientID != 0 && ids[r.PatientID] {
		return true
	}
	return schedule.MatchesPhone(r, phone)
}

// SearchReservations lists active bookings of phone within the date range.
func (d *Driver) SearchReservations(ctx context.Context, page remote.Page, phone, from, to string) ([]Reservation, error) {
	if schedule.NormalizePhone(phone) == "" {
		return nil, fmt.Errorf("%w: customer_phone is required", ErrInvalidRequest)
	}
	dates, err := DateRange(from, to)
	if err != nil {
		return nil, err
	}
	items, err := d.TreatmentItems(ctx, page)
	if err != nil {
		return nil, err
	}
	ids := d.patientIDs(ctx, page, phone)

	out := []Reservation{}
	for _, date := range dates {
		day, err := d.LoadDay(ctx, page, date)
		if err != nil {
			return nil, err
		}
		for _, r := range day.Reserves {
			if !r.Active() || !matchesCustomer(r, ids, phone) {
				continue
			}
			out = append(out, toReservation(day, r, items))
		}
	}
	return out, nil
}

func toReservation(day schedule.Day, r schedule.Reserve, items []schedule.TreatmentItem) Reservation {
	res := Reservation{
		ReservationID: strconv.Itoa(r.ID),
		Date:          firstNonEmpty(r.Date, day.Date),
		Time:          schedule.FormatNum(r.TimeFromNum),
		EndTime:       schedule.FormatNum(r.TimeToNum),
		DurationMin:   r.DurationMin(),
		CustomerName:  r.PatientName,
		CustomerPhone: r.PatientTel,
	}
	if res.CustomerPhone == "" {
		res.CustomerPhone, _ = schedule.PhoneFromNote(r.Note)
	}
	if c, ok := day.Column(r.ColumnID); ok {
		res.Staff = c.Name
	}
	for _, it := range items {
		if it.ID == r.TreatmentItemID {
			res.Menu = it.Title
			break
		}
	}
	return res
}

// locate finds the active booking of phone starting at startNum on date.
func (d *Driver) locate(ctx context.Context, page remote.Page, date string, startNum int, phone string) (schedule.Day, schedule.Reserve, error) {
	ids := d.patientIDs(ctx, page, phone)
	day, err := d.LoadDay(ctx, page, date)
	if err != nil {
		return day, schedule.Reserve{}, err
	}
	for _, r := range day.Reserves {
		if r.Active() && r.TimeFromNum == startNum && matchesCustomer(r, ids, phone) {
			return day, r, nil
		}
	}
	return day, schedule.Reserve{}, fmt.Errorf("%w: %s %s", ErrReservationNotFound, date, schedule.FormatNum(startNum))
}

// cleanup closes any open dialog and reloads so the next caller starts from
// a clean screen.
func (d *Driver) cleanup(ctx context.Context, page remote.Page) {
	if err := page.Call(ctx, remote.HandleReserveForm, methodClose); err != nil {
		d.log.Debug("close form", zap.Error(err))
	}
	if err := page.Reload(ctx); err != nil {
		d.log.Warn("reload after failure", zap.Error(err))
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
