package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"medalarmd/internal/alarm"
	"medalarmd/internal/orchestrator"
	logx "medalarmd/pkg/logx"
)

type alarmRequest struct {
	Label      string `json:"label"`
	Hour       int    `json:"hour"`
	Minute     int    `json:"minute"`
	Repeat     string `json:"repeat"`
	Interval   int    `json:"interval,omitempty"`
	DaysOfWeek []int  `json:"days_of_week,omitempty"`
	StartDate  string `json:"start_date,omitempty"` // YYYY-MM-DD; default today
	EndDate    string `json:"end_date,omitempty"`   // YYYY-MM-DD; empty = unbounded
	Active     *bool  `json:"active,omitempty"`     // default true
}

type alarmResponse struct {
	ID          int64  `json:"id"`
	Label       string `json:"label"`
	Hour        int    `json:"hour"`
	Minute      int    `json:"minute"`
	Repeat      string `json:"repeat"`
	Interval    int    `json:"interval,omitempty"`
	DaysOfWeek  []int  `json:"days_of_week,omitempty"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date,omitempty"`
	Active      bool   `json:"active"`
	NextTrigger string `json:"next_trigger,omitempty"` // RFC 3339
}

type occurrenceResponse struct {
	Alarm            alarmResponse `json:"alarm"`
	Status           string        `json:"status"`
	ActionAt         string        `json:"action_at,omitempty"`
	Deferred         bool          `json:"deferred,omitempty"`
	DeferredFireTime string        `json:"deferred_fire_time,omitempty"`
}

type statusRequest struct {
	LogDate string `json:"log_date"`
	Status  string `json:"status"`
}

type splitDailyRequest struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

type splitAlternatingRequest struct {
	Steps []struct {
		Label        string `json:"label,omitempty"`
		DurationDays int    `json:"duration_days"`
		Times        []struct {
			Hour   int `json:"hour"`
			Minute int `json:"minute"`
		} `json:"times"`
	} `json:"steps"`
}

func (s *Server) toDefinition(req alarmRequest) (alarm.Definition, *Error) {
	def := alarm.Definition{
		Label:      req.Label,
		Hour:       req.Hour,
		Minute:     req.Minute,
		Repeat:     alarm.RepeatKind(req.Repeat),
		Interval:   req.Interval,
		DaysOfWeek: req.DaysOfWeek,
		IsActive:   true,
	}
	if req.Active != nil {
		def.IsActive = *req.Active
	}
	if req.StartDate != "" {
		t, err := time.ParseInLocation(alarm.DateLayout, req.StartDate, s.loc)
		if err != nil {
			return def, NewBadRequest(fmt.Sprintf("start_date: want YYYY-MM-DD, got %q", req.StartDate))
		}
		def.StartDate = t
	}
	if req.EndDate != "" {
		t, err := time.ParseInLocation(alarm.DateLayout, req.EndDate, s.loc)
		if err != nil {
			return def, NewBadRequest(fmt.Sprintf("end_date: want YYYY-MM-DD, got %q", req.EndDate))
		}
		def.EndDate = t
	}
	return def, nil
}

func (s *Server) toResponse(def alarm.Definition) alarmResponse {
	resp := alarmResponse{
		ID:         def.ID,
		Label:      def.Label,
		Hour:       def.Hour,
		Minute:     def.Minute,
		Repeat:     string(def.Repeat),
		Interval:   def.Interval,
		DaysOfWeek: def.DaysOfWeek,
		StartDate:  def.StartDate.In(s.loc).Format(alarm.DateLayout),
		Active:     def.IsActive,
	}
	if !def.EndDate.IsZero() {
		resp.EndDate = def.EndDate.In(s.loc).Format(alarm.DateLayout)
	}
	if def.IsActive {
		if next := alarm.NextTrigger(def, time.Now(), s.loc); !next.IsZero() {
			resp.NextTrigger = next.Format(time.RFC3339)
		}
	}
	return resp
}

func decodeJSON(r *http.Request, v any) *Error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return NewBadRequest("invalid request body: " + err.Error())
	}
	return nil
}

func pathID(r *http.Request) (int64, *Error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, NewBadRequest(fmt.Sprintf("bad alarm id %q", raw))
	}
	return id, nil
}

// writeDomainError maps orchestrator outcomes onto the API taxonomy.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrDuplicate):
		JSONError(w, NewDuplicate("an active alarm with this schedule already exists"))
	case errors.Is(err, orchestrator.ErrNotFound):
		JSONError(w, ErrAlarmNotFound)
	case errors.Is(err, alarm.ErrBadTime),
		errors.Is(err, alarm.ErrBadInterval),
		errors.Is(err, alarm.ErrNoDaysOfWeek),
		errors.Is(err, alarm.ErrBadDayOfWeek),
		errors.Is(err, alarm.ErrEndBeforeStart),
		errors.Is(err, orchestrator.ErrNoSteps),
		errors.Is(err, orchestrator.ErrBadStep),
		errors.Is(err, orchestrator.ErrInactive):
		JSONError(w, NewValidationError(err.Error()))
	default:
		s.log.Error("request failed", logx.Err(err))
		JSONError(w, ErrInternalServer)
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req alarmRequest
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	if _, err := alarm.ParseRepeatKind(req.Repeat); err != nil {
		JSONError(w, NewValidationError(err.Error()))
		return
	}
	def, apiErr := s.toDefinition(req)
	if apiErr != nil {
		JSONError(w, apiErr)
		return
	}

	created, err := s.orch.Create(r.Context(), def)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	Created(w, s.toResponse(created))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathID(r)
	if apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	def, ok, err := s.orch.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if !ok {
		JSONError(w, ErrAlarmNotFound)
		return
	}
	OK(w, s.toResponse(def))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathID(r)
	if apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	if err := s.orch.Delete(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	NoContent(w)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathID(r)
	if apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	if err := s.orch.Cancel(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	NoContent(w)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathID(r)
	if apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	var req statusRequest
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	status, err := alarm.ParseTakeStatus(req.Status)
	if err != nil {
		JSONError(w, NewValidationError(err.Error()))
		return
	}
	if err := s.orch.UpdateStatus(r.Context(), id, req.LogDate, status); err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			JSONError(w, ErrAlarmNotFound)
			return
		}
		// A malformed log date surfaces from the orchestrator as a parse error.
		var pe *time.ParseError
		if errors.As(err, &pe) {
			JSONError(w, NewValidationError("log_date: want YYYY-MM-DD"))
			return
		}
		s.writeDomainError(w, err)
		return
	}
	NoContent(w)
}

func (s *Server) handleDefer(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathID(r)
	if apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	fireAt, err := s.orch.DeferOneMinute(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	OK(w, map[string]string{"fire_at": fireAt.In(s.loc).Format(time.RFC3339)})
}

func (s *Server) handleSplitDaily(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathID(r)
	if apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	var req splitDailyRequest
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	next, err := s.orch.SplitDaily(r.Context(), id, req.Hour, req.Minute)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	Created(w, s.toResponse(next))
}

func (s *Server) handleSplitAlternating(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathID(r)
	if apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	var req splitAlternatingRequest
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	steps := make([]orchestrator.Step, 0, len(req.Steps))
	for _, st := range req.Steps {
		times := make([]orchestrator.TimeOfDay, 0, len(st.Times))
		for _, tod := range st.Times {
			times = append(times, orchestrator.TimeOfDay{Hour: tod.Hour, Minute: tod.Minute})
		}
		steps = append(steps, orchestrator.Step{
			Label:        st.Label,
			DurationDays: st.DurationDays,
			Times:        times,
		})
	}

	created, err := s.orch.SplitAlternating(r.Context(), id, steps)
	if err != nil && len(created) == 0 {
		s.writeDomainError(w, err)
		return
	}
	out := make([]alarmResponse, 0, len(created))
	for _, def := range created {
		out = append(out, s.toResponse(def))
	}
	resp := map[string]any{"alarms": out}
	if err != nil {
		// Partial failure: earlier legs stay committed, the caller must
		// reconcile manually.
		resp["partial_error"] = err.Error()
	}
	Created(w, resp)
}

func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("date")
	date := time.Now().In(s.loc)
	if raw != "" {
		t, err := time.ParseInLocation(alarm.DateLayout, raw, s.loc)
		if err != nil {
			JSONError(w, NewBadRequest(fmt.Sprintf("date: want YYYY-MM-DD, got %q", raw)))
			return
		}
		date = t
	}

	occs, err := s.orch.OccurrencesForDate(r.Context(), date)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]occurrenceResponse, 0, len(occs))
	for _, occ := range occs {
		o := occurrenceResponse{
			Alarm:            s.toResponse(occ.Definition),
			Status:           string(occ.Status),
			Deferred:         occ.IsDeferred,
			DeferredFireTime: occ.DeferredFireTime,
		}
		if !occ.ActionTimestamp.IsZero() {
			o.ActionAt = occ.ActionTimestamp.In(s.loc).Format(time.RFC3339)
		}
		out = append(out, o)
	}
	OK(w, map[string]any{
		"date":        date.Format(alarm.DateLayout),
		"occurrences": out,
	})
}

func (s *Server) handleReschedule(w http.ResponseWriter, r *http.Request) {
	n, err := s.orch.RescheduleAllActive(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	OK(w, map[string]int{"armed": n})
}
