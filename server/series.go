package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/samber/mo"

	"github.com/zaman-cal/seriesd/internal/timeutil"
	"github.com/zaman-cal/seriesd/server/auth"
	"github.com/zaman-cal/seriesd/server/feed"
	"github.com/zaman-cal/seriesd/server/series"
	"github.com/zaman-cal/seriesd/server/storage"
)

// Output formats selectable with ?format=
const (
	formatJSON = "json"
	formatICS  = "ics"
	formatXCal = "xcal"
)

// seriesView is the JSON rendering of a series
type seriesView struct {
	ID                string               `json:"id"`
	Title             string               `json:"title"`
	Description       string               `json:"description,omitempty"`
	Goal              string               `json:"goal,omitempty"`
	TargetAudience    string               `json:"target_audience,omitempty"`
	Organizer         string               `json:"organizer,omitempty"`
	IsAllDay          bool                 `json:"is_all_day"`
	StartTime         time.Time            `json:"start_time"`
	EndTime           time.Time            `json:"end_time"`
	RecurrenceRule    string               `json:"recurrence_rule,omitempty"`
	Scope             storage.Scope        `json:"scope"`
	TargetPolicy      storage.TargetPolicy `json:"target_policy"`
	Status            storage.Status       `json:"status"`
	RejectionReason   string               `json:"rejection_reason,omitempty"`
	IsLocked          bool                 `json:"is_locked"`
	LockVersion       int64                `json:"lock_version"`
	ProposerID        string               `json:"proposer_id"`
	TenantID          string               `json:"tenant_id,omitempty"`
	MaterializedUntil time.Time            `json:"materialized_until"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

func newSeriesView(s *storage.Series) seriesView {
	policy := s.TargetPolicy
	if policy.Include == nil {
		policy.Include = []string{}
	}
	if policy.Exclude == nil {
		policy.Exclude = []string{}
	}
	return seriesView{
		ID:                s.ID,
		Title:             s.Title,
		Description:       s.Description,
		Goal:              s.Goal,
		TargetAudience:    s.TargetAudience,
		Organizer:         s.Organizer,
		IsAllDay:          s.IsAllDay,
		StartTime:         s.StartTime,
		EndTime:           s.EndTime,
		RecurrenceRule:    s.RecurrenceRule,
		Scope:             s.Scope,
		TargetPolicy:      policy,
		Status:            s.Status,
		RejectionReason:   s.RejectionReason,
		IsLocked:          s.IsLocked,
		LockVersion:       s.LockVersion,
		ProposerID:        s.ProposerID,
		TenantID:          s.TenantID,
		MaterializedUntil: s.MaterializedUntil,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

// etag renders the lock version as a strong entity tag
func etag(s *storage.Series) string {
	return strconv.Quote(strconv.FormatInt(s.LockVersion, 10))
}

// parseETag reads the lock version out of an If-Match value
func parseETag(value string) (int64, error) {
	value = strings.TrimPrefix(strings.TrimSpace(value), "W/")
	if unquoted, err := strconv.Unquote(value); err == nil {
		value = unquoted
	}
	return strconv.ParseInt(value, 10, 64)
}

func (s *Server) writeSeries(w http.ResponseWriter, status int, result *storage.Series) {
	w.Header().Set(headerETag, etag(result))
	s.writeJSON(w, status, newSeriesView(result))
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	actor, err := actorOf(r)
	if err != nil {
		s.sendError(w, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		s.sendError(w, err)
		return
	}
	def, err := series.DecodeDefinition(body)
	if err != nil {
		s.sendError(w, err)
		return
	}

	created, err := s.controller.CreateSeries(r.Context(), def, actor)
	if err != nil {
		s.sendError(w, err)
		return
	}

	w.Header().Set(headerLocation, "/series/"+created.ID)
	s.writeSeries(w, http.StatusCreated, created)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	actor, err := actorOf(r)
	if err != nil {
		s.sendError(w, err)
		return
	}
	id := r.PathValue("id")

	format, err := parseFormat(r)
	if err != nil {
		s.sendError(w, err)
		return
	}

	found, err := s.controller.GetSeries(r.Context(), id, actor)
	if err != nil {
		s.sendError(w, err)
		return
	}
	if format == formatJSON {
		s.writeSeries(w, http.StatusOK, found)
		return
	}

	exceptions, err := s.controller.ListExceptions(r.Context(), id, actor)
	if err != nil {
		s.sendError(w, err)
		return
	}

	var buf bytes.Buffer
	contentType := mimeTypeCalendar
	if format == formatXCal {
		contentType = mimeTypeXCal
		err = feed.EncodeSeriesXCal(&buf, found, exceptions, s.now())
	} else {
		err = feed.EncodeSeries(&buf, found, exceptions, s.now())
	}
	if err != nil {
		s.sendError(w, err)
		return
	}

	w.Header().Set(headerContentType, contentType)
	w.Header().Set(headerETag, etag(found))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// editTarget reads ?scope= and ?date= of update and delete requests
func editTarget(r *http.Request) (series.EditScope, *time.Time, error) {
	query := r.URL.Query()
	scope, err := series.ParseEditScope(query.Get("scope"))
	if err != nil {
		return "", nil, err
	}
	raw := query.Get("date")
	if raw == "" {
		return scope, nil, nil
	}
	date, err := timeutil.ParseTimestamp(raw)
	if err != nil {
		return "", nil, &HTTPError{Status: http.StatusBadRequest, Message: "invalid date parameter", Err: err}
	}
	return scope, &date, nil
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	actor, err := actorOf(r)
	if err != nil {
		s.sendError(w, err)
		return
	}
	scope, instanceDate, err := editTarget(r)
	if err != nil {
		s.sendError(w, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		s.sendError(w, err)
		return
	}
	patch, err := series.DecodePatch(body)
	if err != nil {
		s.sendError(w, err)
		return
	}
	if match := r.Header.Get(headerIfMatch); match != "" && !patch.ExpectedVersion.IsPresent() {
		version, err := parseETag(match)
		if err != nil {
			s.sendError(w, &HTTPError{Status: http.StatusBadRequest, Message: "invalid If-Match header", Err: err})
			return
		}
		patch.ExpectedVersion = mo.Some(version)
	}

	updated, err := s.controller.UpdateSeries(r.Context(), r.PathValue("id"), scope, instanceDate, patch, actor)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeSeries(w, http.StatusOK, updated)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	actor, err := actorOf(r)
	if err != nil {
		s.sendError(w, err)
		return
	}
	scope, instanceDate, err := editTarget(r)
	if err != nil {
		s.sendError(w, err)
		return
	}

	if err := s.controller.DeleteSeries(r.Context(), r.PathValue("id"), scope, instanceDate, actor); err != nil {
		s.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// reviewRequest is the body of POST /series/{id}/review
type reviewRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
	Lock     *bool  `json:"lock"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	actor, err := actorOf(r)
	if err != nil {
		s.sendError(w, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		s.sendError(w, err)
		return
	}

	var req reviewRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.sendError(w, &HTTPError{Status: http.StatusBadRequest, Message: "malformed review request", Err: err})
		return
	}
	decision := storage.Status(strings.ToUpper(strings.TrimSpace(req.Decision)))

	reviewed, err := s.controller.Review(r.Context(), r.PathValue("id"), decision, req.Reason, req.Lock, actor)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeSeries(w, http.StatusOK, reviewed)
}

// importResponse lists the series created from an upload
type importResponse struct {
	Series []seriesView `json:"series"`
}

// handleImport creates one series per VEVENT of a text/calendar or xCal
// upload and cancels its EXDATE days. Series created before a failing event
// are kept.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	actor, err := actorOf(r)
	if err != nil {
		s.sendError(w, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		s.sendError(w, err)
		return
	}

	var events []feed.ImportedEvent
	if strings.Contains(r.Header.Get(headerContentType), "xml") {
		events, err = feed.DecodeXCalEvents(bytes.NewReader(body))
	} else {
		events, err = feed.DecodeEvents(bytes.NewReader(body))
	}
	if err != nil {
		s.sendError(w, &HTTPError{Status: http.StatusBadRequest, Message: "invalid calendar upload", Err: err})
		return
	}
	tenantID := r.URL.Query().Get("tenant")

	resp := importResponse{Series: []seriesView{}}
	for _, event := range events {
		def := event.Definition
		def.TenantID = tenantID
		created, err := s.importEvent(r.Context(), actor, def, event.ExDates)
		if err != nil {
			s.sendError(w, fmt.Errorf("import event %q: %w", event.UID, err))
			return
		}
		resp.Series = append(resp.Series, newSeriesView(created))
	}

	s.logger.Info("calendar imported",
		"actor_id", actor.ID,
		"events", len(events))
	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) importEvent(ctx context.Context, actor *auth.Actor, def series.Definition, exDates []time.Time) (*storage.Series, error) {
	created, err := s.controller.CreateSeries(ctx, def, actor)
	if err != nil {
		return nil, err
	}
	if len(exDates) == 0 {
		return created, nil
	}

	for _, day := range exDates {
		err := s.controller.DeleteSeries(ctx, created.ID, series.EditSingle, &day, actor)
		if series.IsErrorType(err, series.ErrInvalidInput) {
			s.logger.Warn("skipping exception date without occurrence",
				"series_id", created.ID,
				"date", timeutil.DateKey(day))
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	return s.controller.GetSeries(ctx, created.ID, actor)
}

func parseFormat(r *http.Request) (string, error) {
	switch format := strings.ToLower(r.URL.Query().Get("format")); format {
	case "", formatJSON:
		return formatJSON, nil
	case formatICS, formatXCal:
		return format, nil
	default:
		return "", &HTTPError{Status: http.StatusBadRequest, Message: fmt.Sprintf("unknown format %q", format)}
	}
}
