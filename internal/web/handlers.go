package web

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/clinic-scheduler/internal/clinic"
	"github.com/example/clinic-scheduler/internal/credentials"
	"github.com/example/clinic-scheduler/internal/remote"
	"github.com/example/clinic-scheduler/internal/schedule"
)

// searchWindowDays is how far ahead a search without date_to looks.
const searchWindowDays = 30

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"session_state":   s.Sessions.State(),
		"has_credentials": s.Sessions.HasCredentials(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	var last *time.Time
	if t := s.Sessions.LastActivity(); !t.IsZero() {
		last = &t
	}
	c.JSON(http.StatusOK, gin.H{
		"session": gin.H{"state": s.Sessions.State(), "last_activity": last},
		"config":  s.Status,
	})
}

// leased ensures the session and runs fn on its page. In test mode a base64 screenshot taken
// inside the same lease is returned with it. The callback may outlive the request after a
// lease timeout, so it never touches c.
func (s *Server) leased(c *gin.Context, fn func(ctx context.Context, page remote.Page) error) (string, error) {
	creds, err := s.ensureSession(c)
	if err != nil {
		return "", err
	}
	log := loggerFrom(c)
	testMode := credentials.TestMode(c.Request.Header)
	var shot string
	err = s.Sessions.WithLeasedPage(c.Request.Context(), creds, func(ctx context.Context, page remote.Page) error {
		err := fn(ctx, page)
		if testMode {
			png, serr := page.Screenshot(ctx)
			if serr != nil {
				log.Warn("screenshot failed", zap.Error(serr))
			} else {
				shot = base64.StdEncoding.EncodeToString(png)
			}
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return shot, nil
}

func (s *Server) handleMenu(c *gin.Context) {
	var menu []clinic.MenuEntry
	shot, err := s.leased(c, func(ctx context.Context, page remote.Page) error {
		var err error
		menu, err = s.Driver.Menu(ctx, page)
		return err
	})
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, withScreenshot(gin.H{"success": true, "menu": menu, "count": len(menu)}, shot))
}

func (s *Server) handleSlots(c *gin.Context) {
	q := clinic.SlotQuery{
		DateFrom: strings.TrimSpace(c.Query("date_from")),
		DateTo:   strings.TrimSpace(c.Query("date_to")),
		MenuID:   strings.TrimSpace(c.Query("external_menu_id")),
		MenuName: strings.TrimSpace(c.Query("menu_name")),
	}
	if q.DateFrom == "" {
		q.DateFrom = s.today().Format(time.DateOnly)
	}
	if r := c.Query("resources"); r != "" {
		for _, name := range strings.Split(r, ",") {
			if name = strings.TrimSpace(name); name != "" {
				q.Resources = append(q.Resources, name)
			}
		}
	}
	if d := c.Query("duration"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil || n <= 0 {
			s.abort(c, fmt.Errorf("%w: duration must be a positive number of minutes", clinic.ErrInvalidRequest))
			return
		}
		q.DurationMin = n
	}

	var slots []schedule.Slot
	shot, err := s.leased(c, func(ctx context.Context, page remote.Page) error {
		var err error
		slots, err = s.Driver.Slots(ctx, page, q)
		return err
	})
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, withScreenshot(gin.H{"success": true, "available_slots": slots, "count": len(slots)}, shot))
}

func (s *Server) handleSearch(c *gin.Context) {
	phone := strings.TrimSpace(c.Query("customer_phone"))
	if schedule.NormalizePhone(phone) == "" {
		s.abort(c, fmt.Errorf("%w: customer_phone is required", clinic.ErrInvalidRequest))
		return
	}
	from, to := strings.TrimSpace(c.Query("date_from")), strings.TrimSpace(c.Query("date_to"))
	if from == "" {
		from = s.today().Format(time.DateOnly)
		if to == "" {
			to = s.today().AddDate(0, 0, searchWindowDays).Format(time.DateOnly)
		}
	}

	var found []clinic.Reservation
	shot, err := s.leased(c, func(ctx context.Context, page remote.Page) error {
		var err error
		found, err = s.Driver.SearchReservations(ctx, page, phone, from, to)
		return err
	})
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, withScreenshot(gin.H{"success": true, "reservations": found, "count": len(found)}, shot))
}

func (s *Server) handleCreate(c *gin.Context) { s.handleReservation(c, clinic.OpCreate) }
func (s *Server) handleUpdate(c *gin.Context) { s.handleReservation(c, clinic.OpUpdate) }

// handleDelete cancels by default; force=true deletes without history.
func (s *Server) handleDelete(c *gin.Context) {
	op := clinic.OpCancel
	if force, _ := strconv.ParseBool(c.Query("force")); force {
		op = clinic.OpDelete
	}
	s.handleReservation(c, op)
}

func (s *Server) handleReservation(c *gin.Context, op clinic.Operation) {
	var body reservationBody
	if err := bind(c, &body); err != nil {
		s.abort(c, fmt.Errorf("%w: %v", clinic.ErrInvalidRequest, err))
		return
	}
	req := body.request(op)
	if err := req.Validate(); err != nil {
		s.abort(c, err)
		return
	}

	var res clinic.Result
	shot, err := s.leased(c, func(ctx context.Context, page remote.Page) error {
		var err error
		res, err = s.Driver.Process(ctx, page, req)
		return err
	})
	if err != nil {
		s.abort(c, err)
		return
	}
	out := res.Result
	c.JSON(outcomeStatus(out.Status), reservationResponse{
		Success:               out.Status == clinic.StatusSuccess,
		ReservationID:         res.ReservationID,
		ExternalReservationID: out.ExternalReservationID,
		Status:                out.Status,
		Error:                 out.ErrorMessage,
		ErrorCode:             out.ErrorCode,
		Screenshot:            shot,
	})
}

func (s *Server) handleBatch(c *gin.Context) {
	var reqs []clinic.Request
	if err := c.ShouldBindJSON(&reqs); err != nil {
		s.abort(c, fmt.Errorf("%w: %v", clinic.ErrInvalidRequest, err))
		return
	}
	if len(reqs) == 0 {
		s.abort(c, fmt.Errorf("%w: empty batch", clinic.ErrInvalidRequest))
		return
	}
	for i := range reqs {
		if reqs[i].ReservationID == "" {
			reqs[i].ReservationID = uuid.NewString()
		}
	}

	var results []clinic.Result
	shot, err := s.leased(c, func(ctx context.Context, page remote.Page) error {
		results = s.Driver.ProcessBatch(ctx, page, reqs)
		return nil
	})
	if err != nil {
		s.abort(c, err)
		return
	}
	ok := true
	for _, r := range results {
		ok = ok && r.Result.Status == clinic.StatusSuccess
	}
	c.JSON(http.StatusOK, withScreenshot(gin.H{"success": ok, "results": results, "count": len(results)}, shot))
}

func (s *Server) handleRestart(c *gin.Context) {
	if _, err := s.ensureSession(c); err != nil {
		s.abort(c, err)
		return
	}
	sess, err := s.Sessions.Restart(c.Request.Context())
	if err != nil {
		s.abort(c, err)
		return
	}
	loggerFrom(c).Info("session restarted", zap.String("session", sess.ID()))
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "session restarted"})
}

// outcomeStatus maps a business outcome to an HTTP status. Conflicts are
// retryable by the caller.
func outcomeStatus(st clinic.Status) int {
	switch st {
	case clinic.StatusConflict:
		return http.StatusConflict
	case clinic.StatusFailed:
		return http.StatusUnprocessableEntity
	}
	return http.StatusOK
}

func withScreenshot(h gin.H, shot string) gin.H {
	if shot != "" {
		h["screenshot"] = shot
	}
	return h
}

// bind reads a JSON body when there is one, else the query string.
func bind(c *gin.Context, dest any) error {
	if c.Request.ContentLength != 0 {
		return c.ShouldBindJSON(dest)
	}
	return c.ShouldBindQuery(dest)
}
