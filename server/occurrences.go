package server

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/zaman-cal/seriesd/internal/timeutil"
	"github.com/zaman-cal/seriesd/server/feed"
	"github.com/zaman-cal/seriesd/server/series"
	"github.com/zaman-cal/seriesd/server/storage"
)

// occurrencesResponse is the JSON body of GET /occurrences
type occurrencesResponse struct {
	Occurrences []storage.Occurrence `json:"occurrences"`
}

// tenantFilter reads the repeated or comma separated ?tenant= parameter.
// The value "all" requests every tenant.
func tenantFilter(r *http.Request) series.TenantFilter {
	var filter series.TenantFilter
	for _, value := range r.URL.Query()["tenant"] {
		for _, id := range strings.Split(value, ",") {
			id = strings.TrimSpace(id)
			switch {
			case id == "":
			case strings.EqualFold(id, "all"):
				filter.All = true
			default:
				filter.TenantIDs = append(filter.TenantIDs, id)
			}
		}
	}
	return filter
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	actor, err := actorOf(r)
	if err != nil {
		s.sendError(w, err)
		return
	}
	format, err := parseFormat(r)
	if err != nil {
		s.sendError(w, err)
		return
	}

	query := r.URL.Query()
	if query.Get("start") == "" || query.Get("end") == "" {
		s.sendError(w, &HTTPError{Status: http.StatusBadRequest, Message: "start and end are required"})
		return
	}
	start, err := timeutil.ParseTimestamp(query.Get("start"))
	if err != nil {
		s.sendError(w, &HTTPError{Status: http.StatusBadRequest, Message: "invalid start parameter", Err: err})
		return
	}
	end, err := timeutil.ParseTimestamp(query.Get("end"))
	if err != nil {
		s.sendError(w, &HTTPError{Status: http.StatusBadRequest, Message: "invalid end parameter", Err: err})
		return
	}

	occurrences, err := s.controller.QueryOccurrences(r.Context(), start, end, tenantFilter(r), actor)
	if err != nil {
		s.sendError(w, err)
		return
	}

	switch format {
	case formatJSON:
		if occurrences == nil {
			occurrences = []storage.Occurrence{}
		}
		s.writeJSON(w, http.StatusOK, occurrencesResponse{Occurrences: occurrences})
		return
	case formatXCal:
		var buf bytes.Buffer
		if err := feed.EncodeOccurrencesXCal(&buf, occurrences, s.now()); err != nil {
			s.sendError(w, err)
			return
		}
		w.Header().Set(headerContentType, mimeTypeXCal)
		w.WriteHeader(http.StatusOK)
		_, _ = buf.WriteTo(w)
	default:
		var buf bytes.Buffer
		if err := feed.EncodeOccurrences(&buf, occurrences, s.now()); err != nil {
			s.sendError(w, err)
			return
		}
		w.Header().Set(headerContentType, mimeTypeCalendar)
		w.WriteHeader(http.StatusOK)
		_, _ = buf.WriteTo(w)
	}
}
