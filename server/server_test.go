package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zaman-cal/seriesd/server/auth"
	authmemory "github.com/zaman-cal/seriesd/server/auth/memory"
	"github.com/zaman-cal/seriesd/server/recurrence"
	"github.com/zaman-cal/seriesd/server/series"
	"github.com/zaman-cal/seriesd/server/storage/memory"
	"github.com/zaman-cal/seriesd/server/tenant"
)

var clock = time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)

const weeklyBody = `{
	"title": "Standup",
	"start_time": "2024-01-01T09:00:00Z",
	"end_time": "2024-01-01T10:00:00Z",
	"recurrence_rule": "FREQ=WEEKLY;COUNT=4",
	"tenant_id": "1"
}`

func setupTestServer(t *testing.T) *Server {
	t.Helper()

	ids := 0
	controller := series.NewController(memory.New(), recurrence.NewEngine(), tenant.NewStatic("1", "2"),
		series.WithClock(func() time.Time { return clock }),
		series.WithIDGenerator(func() string {
			ids++
			return fmt.Sprintf("id-%d", ids)
		}),
	)

	actors := authmemory.New()
	for _, actor := range []auth.Actor{
		{ID: "alice", Privilege: auth.PrivilegeMember, TenantIDs: []string{"1"}},
		{ID: "bob", Privilege: auth.PrivilegeApprover, TenantIDs: []string{"1"}},
		{ID: "carol", Privilege: auth.PrivilegeMember, TenantIDs: []string{"2"}},
		{ID: "root", Privilege: auth.PrivilegeSuperAdmin},
	} {
		require.NoError(t, actors.AddActor(actor))
	}

	srv, err := New(controller, actors, WithClock(func() time.Time { return clock }))
	require.NoError(t, err)
	return srv
}

func do(srv *Server, method, target, actor, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if actor != "" {
		req.Header.Set(auth.HeaderActorID, actor)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func createWeekly(t *testing.T, srv *Server, actor string) seriesView {
	t.Helper()
	w := do(srv, http.MethodPost, "/series", actor, weeklyBody)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[seriesView](t, w)
}

func january(t *testing.T, srv *Server, actor, extra string) []time.Time {
	t.Helper()
	w := do(srv, http.MethodGet, "/occurrences?start=2024-01-01&end=2024-01-31T23:59:59"+extra, actor, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[occurrencesResponse](t, w)
	out := make([]time.Time, len(resp.Occurrences))
	for i, o := range resp.Occurrences {
		out[i] = o.StartTime
	}
	return out
}

func at(day, hour int) time.Time {
	return time.Date(2024, 1, day, hour, 0, 0, 0, time.UTC)
}

func TestNew(t *testing.T) {
	_, err := New(nil, auth.HeaderResolver{})
	assert.Error(t, err)

	controller := series.NewController(memory.New(), recurrence.NewEngine(), tenant.NewStatic())
	_, err = New(controller, nil)
	assert.Error(t, err)
}

func TestServer_Health(t *testing.T) {
	srv := setupTestServer(t)

	w := do(srv, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok\n", w.Body.String())
}

func TestServer_Unauthorized(t *testing.T) {
	srv := setupTestServer(t)

	tests := []struct {
		name    string
		actor   string
		headers []string
		want    int
	}{
		{name: "no actor", want: http.StatusUnauthorized},
		{name: "unknown actor", actor: "mallory", want: http.StatusUnauthorized},
		{name: "foreign tenant", actor: "alice", headers: []string{auth.HeaderActiveTenant, "2"}, want: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(srv, http.MethodGet, "/occurrences?start=2024-01-01&end=2024-01-02", tt.actor, "", tt.headers...)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestServer_CreateAndQuery(t *testing.T) {
	srv := setupTestServer(t)

	w := do(srv, http.MethodPost, "/series", "alice", weeklyBody)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "/series/id-1", w.Header().Get(headerLocation))
	assert.Equal(t, `"1"`, w.Header().Get(headerETag))

	created := decode[seriesView](t, w)
	assert.Equal(t, "id-1", created.ID)
	assert.Equal(t, "1", created.TenantID)
	assert.Equal(t, "FREQ=WEEKLY;INTERVAL=1;COUNT=4", created.RecurrenceRule)
	assert.Equal(t, "PENDING", string(created.Status))
	assert.False(t, created.IsLocked)

	assert.Equal(t, []time.Time{at(1, 9), at(8, 9), at(15, 9), at(22, 9)}, january(t, srv, "alice", ""))
	assert.Empty(t, january(t, srv, "carol", ""))
}

func TestServer_CreateValidation(t *testing.T) {
	srv := setupTestServer(t)

	tests := []struct {
		name  string
		actor string
		body  string
		want  int
		kind  string
	}{
		{
			name:  "unknown field",
			actor: "alice",
			body:  `{"title":"x","start_time":"2024-01-01T09:00:00Z","end_time":"2024-01-01T10:00:00Z","tenant_id":"1","color":"red"}`,
			want:  http.StatusBadRequest,
			kind:  "invalid_input",
		},
		{
			name:  "unsupported rule",
			actor: "alice",
			body:  `{"title":"x","start_time":"2024-01-01T09:00:00Z","end_time":"2024-01-01T10:00:00Z","recurrence_rule":"FREQ=HOURLY","tenant_id":"1"}`,
			want:  http.StatusBadRequest,
			kind:  "invalid_input",
		},
		{
			name:  "system scope as member",
			actor: "alice",
			body:  `{"title":"x","start_time":"2024-01-01T09:00:00Z","end_time":"2024-01-01T10:00:00Z","scope":"SYSTEM"}`,
			want:  http.StatusForbidden,
			kind:  "permission_denied",
		},
		{
			name:  "policy on tenant series",
			actor: "alice",
			body:  `{"title":"x","start_time":"2024-01-01T09:00:00Z","end_time":"2024-01-01T10:00:00Z","tenant_id":"1","target_policy":{"include":["1"]}}`,
			want:  http.StatusBadRequest,
			kind:  "scope_mismatch",
		},
		{
			name:  "malformed json",
			actor: "alice",
			body:  `{`,
			want:  http.StatusBadRequest,
			kind:  "invalid_input",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(srv, http.MethodPost, "/series", tt.actor, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			resp := decode[errorResponse](t, w)
			assert.Equal(t, tt.kind, resp.Error)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestServer_Get(t *testing.T) {
	srv := setupTestServer(t)
	createWeekly(t, srv, "alice")

	t.Run("json", func(t *testing.T) {
		w := do(srv, http.MethodGet, "/series/id-1", "alice", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "Standup", decode[seriesView](t, w).Title)
	})

	t.Run("ics", func(t *testing.T) {
		w := do(srv, http.MethodGet, "/series/id-1?format=ics", "alice", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, mimeTypeCalendar, w.Header().Get(headerContentType))
		assert.Contains(t, w.Body.String(), "RRULE:FREQ=WEEKLY;INTERVAL=1;COUNT=4")
	})

	t.Run("xcal", func(t *testing.T) {
		w := do(srv, http.MethodGet, "/series/id-1?format=xcal", "alice", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, mimeTypeXCal, w.Header().Get(headerContentType))
		assert.Contains(t, w.Body.String(), "<freq>WEEKLY</freq>")
	})

	t.Run("unknown format", func(t *testing.T) {
		w := do(srv, http.MethodGet, "/series/id-1?format=pdf", "alice", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("other tenant", func(t *testing.T) {
		w := do(srv, http.MethodGet, "/series/id-1", "carol", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("missing", func(t *testing.T) {
		w := do(srv, http.MethodGet, "/series/nope", "alice", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestServer_Update(t *testing.T) {
	srv := setupTestServer(t)
	createWeekly(t, srv, "alice")

	w := do(srv, http.MethodPatch, "/series/id-1", "alice", `{"title":"Renamed"}`, headerIfMatch, `"7"`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "version_conflict", decode[errorResponse](t, w).Error)

	w = do(srv, http.MethodPatch, "/series/id-1", "alice", `{"title":"Renamed"}`, headerIfMatch, `"1"`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[seriesView](t, w)
	assert.Equal(t, "Renamed", updated.Title)
	assert.Equal(t, int64(2), updated.LockVersion)
	assert.Equal(t, `"2"`, w.Header().Get(headerETag))

	w = do(srv, http.MethodPatch, "/series/id-1", "alice", `{"proposer_id":"bob"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(srv, http.MethodPatch, "/series/id-1?scope=single", "alice", `{"title":"One"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "missing_instance_date", decode[errorResponse](t, w).Error)

	w = do(srv, http.MethodPatch, "/series/id-1?scope=sometimes&date=2024-01-08", "alice", `{"title":"One"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(srv, http.MethodPatch, "/series/id-1?scope=single&date=2024-01-08", "alice", `{"start_time":"2024-01-09T09:00:00Z"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "id-1", decode[seriesView](t, w).ID)
	assert.Equal(t, []time.Time{at(1, 9), at(9, 9), at(15, 9), at(22, 9)}, january(t, srv, "alice", ""))

	w = do(srv, http.MethodPatch, "/series/id-1?scope=future&date=2024-01-15", "alice", `{"title":"Later"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	successor := decode[seriesView](t, w)
	assert.NotEqual(t, "id-1", successor.ID)
	assert.Equal(t, "Later", successor.Title)
	assert.Equal(t, []time.Time{at(1, 9), at(9, 9), at(15, 9), at(22, 9)}, january(t, srv, "alice", ""))
}

func TestServer_LockedSeries(t *testing.T) {
	srv := setupTestServer(t)
	created := createWeekly(t, srv, "bob")
	assert.True(t, created.IsLocked)
	assert.Equal(t, "APPROVED", string(created.Status))

	w := do(srv, http.MethodPatch, "/series/id-1", "alice", `{"title":"Mine now"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "locked", decode[errorResponse](t, w).Error)

	w = do(srv, http.MethodDelete, "/series/id-1", "alice", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestServer_Delete(t *testing.T) {
	srv := setupTestServer(t)
	createWeekly(t, srv, "alice")

	w := do(srv, http.MethodDelete, "/series/id-1?scope=single&date=2024-01-08", "alice", "")
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	assert.Equal(t, []time.Time{at(1, 9), at(15, 9), at(22, 9)}, january(t, srv, "alice", ""))

	w = do(srv, http.MethodDelete, "/series/id-1?scope=single&date=2024-01-09", "alice", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(srv, http.MethodDelete, "/series/id-1?scope=future&date=2024-01-22", "alice", "")
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	assert.Equal(t, []time.Time{at(1, 9), at(15, 9)}, january(t, srv, "alice", ""))

	w = do(srv, http.MethodDelete, "/series/id-1", "alice", "")
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, january(t, srv, "alice", ""))

	w = do(srv, http.MethodGet, "/series/id-1", "alice", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_Review(t *testing.T) {
	srv := setupTestServer(t)
	createWeekly(t, srv, "alice")

	w := do(srv, http.MethodPost, "/series/id-1/review", "alice", `{"decision":"approved"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(srv, http.MethodPost, "/series/id-1/review", "bob", `{"decision":"approved"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	reviewed := decode[seriesView](t, w)
	assert.Equal(t, "APPROVED", string(reviewed.Status))
	assert.True(t, reviewed.IsLocked)

	w = do(srv, http.MethodPost, "/series/id-1/review", "bob", `{"decision":"APPROVED"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_transition", decode[errorResponse](t, w).Error)

	w = do(srv, http.MethodPost, "/series/id-1/review", "bob", `{"decision":"rejected","reason":"  clash  "}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	reviewed = decode[seriesView](t, w)
	assert.Equal(t, "REJECTED", string(reviewed.Status))
	assert.Equal(t, "clash", reviewed.RejectionReason)
	assert.False(t, reviewed.IsLocked)

	w = do(srv, http.MethodPost, "/series/id-1/review", "bob", `{"verdict":"ok"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_QueryFormats(t *testing.T) {
	srv := setupTestServer(t)
	createWeekly(t, srv, "alice")

	w := do(srv, http.MethodGet, "/occurrences?start=2024-01-01&end=2024-01-31&format=ics", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, mimeTypeCalendar, w.Header().Get(headerContentType))
	assert.Equal(t, 4, strings.Count(w.Body.String(), "BEGIN:VEVENT"))

	w = do(srv, http.MethodGet, "/occurrences?start=2024-01-01&end=2024-01-31&format=xcal", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, mimeTypeXCal, w.Header().Get(headerContentType))
	assert.Equal(t, 4, strings.Count(w.Body.String(), "<vevent>"))
}

func TestServer_QueryValidation(t *testing.T) {
	srv := setupTestServer(t)

	tests := []struct {
		name   string
		actor  string
		target string
		want   int
	}{
		{name: "missing end", actor: "alice", target: "/occurrences?start=2024-01-01", want: http.StatusBadRequest},
		{name: "bad start", actor: "alice", target: "/occurrences?start=soon&end=2024-01-02", want: http.StatusBadRequest},
		{name: "inverted window", actor: "alice", target: "/occurrences?start=2024-02-01&end=2024-01-01", want: http.StatusBadRequest},
		{name: "foreign tenant", actor: "alice", target: "/occurrences?start=2024-01-01&end=2024-01-02&tenant=2", want: http.StatusForbidden},
		{name: "all as member", actor: "alice", target: "/occurrences?start=2024-01-01&end=2024-01-02&tenant=all", want: http.StatusForbidden},
		{name: "all as super admin", actor: "root", target: "/occurrences?start=2024-01-01&end=2024-01-02&tenant=all", want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(srv, http.MethodGet, tt.target, tt.actor, "")
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestServer_SystemSeriesFanout(t *testing.T) {
	srv := setupTestServer(t)

	body := `{
		"title": "Maintenance",
		"start_time": "2024-01-03T22:00:00Z",
		"end_time": "2024-01-03T23:00:00Z",
		"scope": "SYSTEM",
		"target_policy": {"include": [], "exclude": ["2"]}
	}`
	w := do(srv, http.MethodPost, "/series", "root", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	assert.Equal(t, []time.Time{at(3, 22)}, january(t, srv, "alice", ""))
	assert.Empty(t, january(t, srv, "carol", ""))
	assert.Equal(t, []time.Time{at(3, 22)}, january(t, srv, "root", "&tenant=all"))
}

func TestServer_Import(t *testing.T) {
	srv := setupTestServer(t)

	upload := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT",
		"UID:weekly@example.com",
		"DTSTAMP:20231201T000000Z",
		"DTSTART:20240101T090000Z",
		"DTEND:20240101T100000Z",
		"SUMMARY:Imported",
		"RRULE:FREQ=WEEKLY;COUNT=4",
		"EXDATE:20240108T090000Z",
		"EXDATE:20240109T090000Z",
		"END:VEVENT",
		"END:VCALENDAR",
	}, "\r\n") + "\r\n"

	w := do(srv, http.MethodPost, "/series/import?tenant=1", "alice", upload, headerContentType, "text/calendar")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decode[importResponse](t, w)
	require.Len(t, resp.Series, 1)
	assert.Equal(t, "Imported", resp.Series[0].Title)
	assert.Equal(t, int64(2), resp.Series[0].LockVersion)

	assert.Equal(t, []time.Time{at(1, 9), at(15, 9), at(22, 9)}, january(t, srv, "alice", ""))

	w = do(srv, http.MethodPost, "/series/import", "alice", "garbage", headerContentType, "text/calendar")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_ImportXCal(t *testing.T) {
	srv := setupTestServer(t)
	createWeekly(t, srv, "alice")

	w := do(srv, http.MethodGet, "/series/id-1?format=xcal", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(srv, http.MethodPost, "/series/import?tenant=1", "alice", w.Body.String(), headerContentType, mimeTypeXCal)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode[importResponse](t, w)
	require.Len(t, resp.Series, 1)
	assert.Equal(t, "FREQ=WEEKLY;INTERVAL=1;COUNT=4", resp.Series[0].RecurrenceRule)
	assert.Len(t, january(t, srv, "alice", ""), 8)
}

func TestParseETag(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: `"3"`, want: 3},
		{in: `W/"4"`, want: 4},
		{in: `5`, want: 5},
		{in: `"x"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseETag(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
