package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-equipment-reservations/internal/redisx"
	"github.com/ariefcatur/go-equipment-reservations/internal/reservations"
)

type ReservationsHandler struct {
	WF *reservations.Workflow
	// Redis is optional; nil disables the calendar cache and idempotency keys.
	Redis       redis.Cmdable
	CalendarTTL time.Duration
	Log         *zap.Logger

	validate *validator.Validate
}

func NewReservationsHandler(wf *reservations.Workflow, rdb redis.Cmdable, calendarTTL time.Duration, log *zap.Logger) *ReservationsHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ReservationsHandler{
		WF:          wf,
		Redis:       rdb,
		CalendarTTL: calendarTTL,
		Log:         log,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

type LineReq struct {
	ItemID   string `json:"item_id" validate:"required"`
	Quantity int    `json:"quantity" validate:"gte=0"`
}

type CreateRequestReq struct {
	Lines             []LineReq `json:"lines" validate:"required,min=1,dive"`
	WindowStart       time.Time `json:"window_start" validate:"required"`
	WindowEnd         time.Time `json:"window_end" validate:"required,gtfield=WindowStart"`
	RequesterID       string    `json:"requester_id"`
	Purpose           string    `json:"purpose" validate:"max=500"`
	RoomNumber        string    `json:"room_number" validate:"max=50"`
	LabSection        string    `json:"lab_section" validate:"max=50"`
	GroupMembers      []string  `json:"group_members" validate:"max=20"`
	AssignedTeacherID string    `json:"assigned_teacher_id"`
}

type CreateRequestResp struct {
	Reservation reservations.Reservation `json:"reservation"`
	Idempotent  bool                     `json:"idempotent"`
}

type PutItemReq struct {
	Name          string `json:"name" validate:"required"`
	TotalQuantity int    `json:"total_quantity" validate:"gte=0"`
}

type CalendarResp struct {
	ItemID        string         `json:"item_id"`
	ItemName      string         `json:"item_name"`
	TotalQuantity int            `json:"total_quantity"`
	From          string         `json:"from"`
	To            string         `json:"to"`
	Days          map[string]int `json:"days"`
}

// Register mounts the API under /api behind auth.
func (h *ReservationsHandler) Register(r chi.Router, auth func(http.Handler) http.Handler) {
	staff := RequireRole(staffRoles...)
	r.Route("/api", func(r chi.Router) {
		r.Use(auth)

		r.Get("/items/{id}", h.getItem)
		r.With(RequireRole(RoleAdmin)).Put("/items/{id}", h.putItem)
		r.Get("/items/{id}/availability", h.availability)
		r.Get("/items/{id}/calendar", h.calendar)

		r.Post("/requests", h.createRequest)
		r.With(staff).Get("/requests", h.listByStatus)
		r.With(staff).Get("/requests/pending-teacher", h.pendingTeacher)
		r.With(staff).Get("/requests/pending-lab", h.pendingLab)
		r.Get("/requests/{id}", h.getRequest)
		r.Delete("/requests/{id}", h.deleteRequest)

		r.With(RequireRole(RoleTeacher, RoleAdmin)).Put("/requests/{id}/teacher-approve", h.teacherApprove)
		r.With(RequireRole(RoleLabAssistant, RoleAdmin)).Put("/requests/{id}/lab-approve", h.labApprove)
		r.With(staff).Put("/requests/{id}/reject", h.reject)
		r.With(RequireRole(RoleLabAssistant, RoleAdmin)).Put("/requests/{id}/return", h.markReturned)

		r.Get("/users/{id}/requests", h.userRequests)
		r.Get("/users/{id}/history", h.userHistory)
	})
}

func caller(r *http.Request) Identity {
	id, _ := IdentityFrom(r.Context())
	return id
}

func (h *ReservationsHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json", Code: reservations.KindInvalidRequest.String()})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, h.Log, err)
		return false
	}
	return true
}

func (h *ReservationsHandler) getItem(w http.ResponseWriter, r *http.Request) {
	it, err := h.WF.GetItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (h *ReservationsHandler) putItem(w http.ResponseWriter, r *http.Request) {
	var req PutItemReq
	if !h.decode(w, r, &req) {
		return
	}
	it, err := h.WF.SaveItem(r.Context(), reservations.Item{
		ID:            chi.URLParam(r, "id"),
		Name:          req.Name,
		TotalQuantity: req.TotalQuantity,
	})
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	h.invalidateCalendars(r.Context(), it.ID)
	writeJSON(w, http.StatusOK, it)
}

// availability answers 200 with admitted=false when capacity is short; only
// malformed queries and unknown items are errors.
func (h *ReservationsHandler) availability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := time.Parse(time.RFC3339, q.Get("start"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "start must be RFC3339", Code: reservations.KindInvalidRequest.String()})
		return
	}
	end, err := time.Parse(time.RFC3339, q.Get("end"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "end must be RFC3339", Code: reservations.KindInvalidRequest.String()})
		return
	}
	qty := 1
	if s := q.Get("quantity"); s != "" {
		if qty, err = strconv.Atoi(s); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "quantity must be an integer", Code: reservations.KindInvalidRequest.String()})
			return
		}
	}

	res, err := h.WF.Engine().CheckAvailability(r.Context(), chi.URLParam(r, "id"), qty, start, end, q.Get("exclude"))
	switch reservations.KindOf(err) {
	case 0:
		if err != nil {
			writeError(w, h.Log, err)
			return
		}
	case reservations.KindInsufficientAvailability, reservations.KindInsufficientTotalCapacity:
	default:
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *ReservationsHandler) calendar(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "id")
	q := r.URL.Query()
	from, err := reservations.ParseDay(q.Get("from"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	to, err := reservations.ParseDay(q.Get("to"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	key := fmt.Sprintf(redisx.KeyCalendar, itemID, q.Get("from"), q.Get("to"))
	if h.Redis != nil {
		var cached CalendarResp
		if ok, err := redisx.GetJSON(r.Context(), h.Redis, key, &cached); err == nil && ok {
			writeJSON(w, http.StatusOK, cached)
			return
		} else if err != nil {
			h.Log.Warn("calendar cache read failed", zap.String("key", key), zap.Error(err))
		}
	}

	cal, err := h.WF.Engine().GetAvailabilityCalendar(r.Context(), itemID, from, to)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	resp := CalendarResp{
		ItemID:        cal.ItemID,
		ItemName:      cal.ItemName,
		TotalQuantity: cal.TotalQuantity,
		From:          cal.From.Format(time.DateOnly),
		To:            cal.To.Format(time.DateOnly),
		Days:          cal.Map(),
	}
	if h.Redis != nil && h.CalendarTTL > 0 {
		if err := redisx.SetJSON(r.Context(), h.Redis, key, resp, h.CalendarTTL); err != nil {
			h.Log.Warn("calendar cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *ReservationsHandler) createRequest(w http.ResponseWriter, r *http.Request) {
	var req CreateRequestReq
	if !h.decode(w, r, &req) {
		return
	}
	me := caller(r)
	requesterID := req.RequesterID
	if requesterID == "" {
		requesterID = me.ID
	}
	if requesterID != me.ID && !me.IsStaff() {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "cannot create requests for another user"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// The key is claimed before creating and overwritten with the
	// reservation id on success.
	var idemKey string
	if k := r.Header.Get("Idempotency-Key"); k != "" && h.Redis != nil {
		key := fmt.Sprintf(redisx.KeyIdemCreate, requesterID, k)
		claimed, err := redisx.Claim(ctx, h.Redis, key, redisx.TTLIdempotency)
		switch {
		case err != nil:
			h.Log.Warn("idempotency claim failed", zap.String("key", key), zap.Error(err))
		case claimed:
			idemKey = key
		default:
			h.replayCreate(ctx, w, key)
			return
		}
	}

	lines := make([]reservations.Line, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, reservations.Line{ItemID: l.ItemID, Quantity: l.Quantity})
	}
	res, err := h.WF.CreateRequest(ctx, reservations.CreateInput{
		Lines:             lines,
		WindowStart:       req.WindowStart,
		WindowEnd:         req.WindowEnd,
		RequesterID:       requesterID,
		Purpose:           req.Purpose,
		RoomNumber:        req.RoomNumber,
		LabSection:        req.LabSection,
		GroupMembers:      req.GroupMembers,
		AssignedTeacherID: req.AssignedTeacherID,
	})
	if err != nil {
		if idemKey != "" {
			if derr := h.Redis.Del(ctx, idemKey).Err(); derr != nil {
				h.Log.Warn("idempotency claim not released", zap.String("key", idemKey), zap.Error(derr))
			}
		}
		writeError(w, h.Log, err)
		return
	}

	if idemKey != "" {
		if err := h.Redis.Set(ctx, idemKey, res.ID, redisx.TTLIdempotency).Err(); err != nil {
			h.Log.Warn("idempotency key not stored", zap.String("key", idemKey), zap.Error(err))
		}
	}
	h.invalidateCalendars(ctx, res.ItemIDs()...)
	writeJSON(w, http.StatusCreated, CreateRequestResp{Reservation: res})
}

// replayCreate answers a create whose idempotency key is already held: with
// the stored reservation once it exists, or 409 while the first is running.
func (h *ReservationsHandler) replayCreate(ctx context.Context, w http.ResponseWriter, key string) {
	id, ok, err := redisx.GetString(ctx, h.Redis, key)
	if err != nil {
		h.Log.Warn("idempotency lookup failed", zap.String("key", key), zap.Error(err))
	}
	if err != nil || !ok || id == redisx.ClaimMarker {
		writeJSON(w, http.StatusConflict, errorBody{
			Error: "a request with this idempotency key is in progress",
			Code:  reservations.KindStoreConflict.String(),
		})
		return
	}
	existing, err := h.WF.GetByID(ctx, id)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, CreateRequestResp{Reservation: existing, Idempotent: true})
}

func (h *ReservationsHandler) listByStatus(w http.ResponseWriter, r *http.Request) {
	status := reservations.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = reservations.StatusPendingTeacher
	}
	h.writeList(w)(h.WF.ListByStatus(r.Context(), status))
}

func (h *ReservationsHandler) pendingTeacher(w http.ResponseWriter, r *http.Request) {
	h.writeList(w)(h.WF.ListPendingTeacher(r.Context()))
}

func (h *ReservationsHandler) pendingLab(w http.ResponseWriter, r *http.Request) {
	h.writeList(w)(h.WF.ListPendingLab(r.Context()))
}

func (h *ReservationsHandler) writeList(w http.ResponseWriter) func([]reservations.Reservation, error) {
	return func(rs []reservations.Reservation, err error) {
		if err != nil {
			writeError(w, h.Log, err)
			return
		}
		if rs == nil {
			rs = []reservations.Reservation{}
		}
		writeJSON(w, http.StatusOK, rs)
	}
}

func (h *ReservationsHandler) getRequest(w http.ResponseWriter, r *http.Request) {
	res, err := h.WF.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if me := caller(r); !me.IsStaff() && res.Requester.ID != me.ID {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "not your request"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *ReservationsHandler) deleteRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	me := caller(r)
	if !me.IsStaff() {
		res, err := h.WF.GetByID(r.Context(), id)
		if err != nil {
			writeError(w, h.Log, err)
			return
		}
		if res.Requester.ID != me.ID {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "not your request"})
			return
		}
	}
	res, err := h.WF.Delete(r.Context(), id)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	h.invalidateCalendars(r.Context(), res.ItemIDs()...)
	w.WriteHeader(http.StatusNoContent)
}

func (h *ReservationsHandler) teacherApprove(w http.ResponseWriter, r *http.Request) {
	me := caller(r)
	h.writeTransition(w, r)(h.WF.TeacherApprove(r.Context(), chi.URLParam(r, "id"), me.ID, me.Name))
}

func (h *ReservationsHandler) labApprove(w http.ResponseWriter, r *http.Request) {
	me := caller(r)
	h.writeTransition(w, r)(h.WF.LabApprove(r.Context(), chi.URLParam(r, "id"), me.ID, me.Name))
}

func (h *ReservationsHandler) reject(w http.ResponseWriter, r *http.Request) {
	h.writeTransition(w, r)(h.WF.Reject(r.Context(), chi.URLParam(r, "id")))
}

func (h *ReservationsHandler) markReturned(w http.ResponseWriter, r *http.Request) {
	h.writeTransition(w, r)(h.WF.Return(r.Context(), chi.URLParam(r, "id")))
}

func (h *ReservationsHandler) writeTransition(w http.ResponseWriter, r *http.Request) func(reservations.Reservation, error) {
	return func(res reservations.Reservation, err error) {
		if err != nil {
			writeError(w, h.Log, err)
			return
		}
		h.invalidateCalendars(r.Context(), res.ItemIDs()...)
		writeJSON(w, http.StatusOK, res)
	}
}

// selfOrStaff reports whether the caller may read userID's records and
// writes the 403 otherwise.
func selfOrStaff(w http.ResponseWriter, r *http.Request, userID string) bool {
	if me := caller(r); me.ID == userID || me.IsStaff() {
		return true
	}
	writeJSON(w, http.StatusForbidden, errorBody{Error: "not allowed to read another user's records"})
	return false
}

func (h *ReservationsHandler) userRequests(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if !selfOrStaff(w, r, userID) {
		return
	}
	h.writeList(w)(h.WF.ListByRequester(r.Context(), userID))
}

func (h *ReservationsHandler) userHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if !selfOrStaff(w, r, userID) {
		return
	}
	hist, err := h.WF.GetUserHistory(r.Context(), userID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if hist.Requests == nil {
		hist.Requests = []reservations.Reservation{}
	}
	writeJSON(w, http.StatusOK, hist)
}

// invalidateCalendars drops cached calendars of the given items. Failures
// only cost staleness up to CalendarTTL.
func (h *ReservationsHandler) invalidateCalendars(ctx context.Context, itemIDs ...string) {
	if h.Redis == nil {
		return
	}
	for _, id := range itemIDs {
		pattern := fmt.Sprintf(redisx.KeyCalendar, redisx.EscapeGlob(id), "*", "*")
		if err := redisx.DeletePattern(ctx, h.Redis, pattern); err != nil {
			h.Log.Warn("calendar cache invalidation failed", zap.String("item_id", id), zap.Error(err))
		}
	}
}
