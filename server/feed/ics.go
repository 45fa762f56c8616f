// Package feed renders occurrences and series as iCalendar (RFC 5545) and
// xCal (RFC 6321) documents and reads iCalendar uploads back into series
// definitions.
package feed

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/zaman-cal/seriesd/internal/timeutil"
	"github.com/zaman-cal/seriesd/server/recurrence"
	"github.com/zaman-cal/seriesd/server/series"
	"github.com/zaman-cal/seriesd/server/storage"
)

// ProductID identifies documents produced by seriesd.
const ProductID = "-//seriesd//Occurrence Feed//EN"

// Extension properties carrying the occurrence identity.
const (
	PropSeriesID = "X-SERIESD-SERIES-ID"
	PropTenantID = "X-SERIESD-TENANT-ID"
	PropVirtual  = "X-SERIESD-VIRTUAL"
)

const uidDomain = "@seriesd"

// newCalendar returns an empty VCALENDAR with the mandatory properties set.
func newCalendar() *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, ProductID)
	return cal
}

// eventStatus maps an approval state onto the VEVENT STATUS value.
func eventStatus(s storage.Status) string {
	switch s {
	case storage.StatusApproved:
		return "CONFIRMED"
	case storage.StatusRejected, storage.StatusCancelled:
		return "CANCELLED"
	default:
		return "TENTATIVE"
	}
}

// OccurrencesCalendar builds a calendar with one VEVENT per occurrence.
// stamp becomes the DTSTAMP of every event.
func OccurrencesCalendar(occurrences []storage.Occurrence, stamp time.Time) *ical.Calendar {
	cal := newCalendar()
	for _, occ := range occurrences {
		event := ical.NewEvent()
		event.Props.SetText(ical.PropUID, occ.ID+uidDomain)
		event.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())
		event.Props.SetDateTime(ical.PropDateTimeStart, occ.StartTime.UTC())
		event.Props.SetDateTime(ical.PropDateTimeEnd, occ.EndTime.UTC())
		event.Props.SetText(ical.PropSummary, occ.Title)
		event.Props.SetText(ical.PropStatus, eventStatus(occ.Status))
		event.Props.SetText(PropSeriesID, occ.SeriesID)
		event.Props.SetText(PropTenantID, occ.TenantID)
		if occ.IsVirtual {
			event.Props.SetText(PropVirtual, "TRUE")
		}
		cal.Children = append(cal.Children, event.Component)
	}
	return cal
}

// EncodeOccurrences writes occurrences as a text/calendar document.
func EncodeOccurrences(w io.Writer, occurrences []storage.Occurrence, stamp time.Time) error {
	if err := ical.NewEncoder(w).Encode(OccurrencesCalendar(occurrences, stamp)); err != nil {
		return fmt.Errorf("failed to encode occurrences: %w", err)
	}
	return nil
}

// SeriesCalendar renders a series as its master VEVENT (RRULE plus one
// EXDATE per cancelled day) followed by one RECURRENCE-ID instance per
// moved or retitled day.
func SeriesCalendar(s *storage.Series, exceptions []*storage.Exception, stamp time.Time) (*ical.Calendar, error) {
	cal := newCalendar()
	master := seriesEvent(s, stamp)
	if s.Recurring() {
		rule, err := recurrence.ParseRule(s.RecurrenceRule)
		if err != nil {
			return nil, fmt.Errorf("series %s: %w", s.ID, err)
		}
		recurrence.SetRuleOnComponent(master, rule)
	}

	var cancelled []time.Time
	var overrides []*ical.Component
	for _, e := range exceptions {
		original := candidateStart(s, e.OriginalDate)
		if e.IsCancelled {
			cancelled = append(cancelled, original)
			continue
		}
		overrides = append(overrides, overrideEvent(s, e, original, stamp))
	}
	recurrence.AddExceptionDates(master, cancelled)

	cal.Children = append(cal.Children, master)
	cal.Children = append(cal.Children, overrides...)
	return cal, nil
}

// EncodeSeries writes a series as a text/calendar document.
func EncodeSeries(w io.Writer, s *storage.Series, exceptions []*storage.Exception, stamp time.Time) error {
	cal, err := SeriesCalendar(s, exceptions, stamp)
	if err != nil {
		return err
	}
	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("failed to encode series %s: %w", s.ID, err)
	}
	return nil
}

func seriesEvent(s *storage.Series, stamp time.Time) *ical.Component {
	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, s.ID+uidDomain)
	event.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())
	setSpan(event.Component, s.StartTime, s.EndTime, s.IsAllDay)
	event.Props.SetText(ical.PropSummary, s.Title)
	if s.Description != "" {
		event.Props.SetText(ical.PropDescription, s.Description)
	}
	if s.Organizer != "" {
		organizer := ical.NewProp(ical.PropOrganizer)
		organizer.Value = s.Organizer
		event.Props.Set(organizer)
	}
	event.Props.SetText(ical.PropStatus, eventStatus(s.Status))
	if s.TenantID != "" {
		event.Props.SetText(PropTenantID, s.TenantID)
	}
	return event.Component
}

func overrideEvent(s *storage.Series, e *storage.Exception, original time.Time, stamp time.Time) *ical.Component {
	start := original
	if e.NewStartTime != nil {
		start = e.NewStartTime.UTC()
	}
	end := start.Add(s.Duration())
	if e.NewEndTime != nil {
		end = e.NewEndTime.UTC()
	}
	title := s.Title
	if e.Title != nil {
		title = *e.Title
	}
	status := s.Status
	if e.Status != nil {
		status = *e.Status
	}

	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, s.ID+uidDomain)
	event.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())
	recID := ical.NewProp(ical.PropRecurrenceID)
	recID.SetDateTime(original)
	event.Props.Set(recID)
	setSpan(event.Component, start, end, s.IsAllDay)
	event.Props.SetText(ical.PropSummary, title)
	if e.Description != nil {
		event.Props.SetText(ical.PropDescription, *e.Description)
	}
	event.Props.SetText(ical.PropStatus, eventStatus(status))
	return event.Component
}

// candidateStart is the unmodified start of the occurrence on day.
func candidateStart(s *storage.Series, day time.Time) time.Time {
	clock := s.StartTime.UTC().Sub(timeutil.StartOfDay(s.StartTime))
	return timeutil.StartOfDay(day).Add(clock)
}

func setSpan(comp *ical.Component, start, end time.Time, allDay bool) {
	if allDay {
		dtstart := ical.NewProp(ical.PropDateTimeStart)
		dtstart.SetDate(start.UTC())
		comp.Props.Set(dtstart)
		dtend := ical.NewProp(ical.PropDateTimeEnd)
		dtend.SetDate(end.UTC())
		comp.Props.Set(dtend)
		return
	}
	comp.Props.SetDateTime(ical.PropDateTimeStart, start.UTC())
	comp.Props.SetDateTime(ical.PropDateTimeEnd, end.UTC())
}

// ImportedEvent is a VEVENT read from an upload.
type ImportedEvent struct {
	UID        string
	Definition series.Definition
	// ExDates are the cancelled days, midnight UTC.
	ExDates []time.Time
}

// DecodeEvents reads every VEVENT of every calendar in r. Instances carrying
// a RECURRENCE-ID are not imported. Any malformed event fails the whole
// upload.
func DecodeEvents(r io.Reader) ([]ImportedEvent, error) {
	dec := ical.NewDecoder(r)
	var events []ImportedEvent
	for calendars := 0; ; calendars++ {
		cal, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			if calendars == 0 {
				return nil, fmt.Errorf("no calendar found")
			}
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse calendar: %w", err)
		}

		imported, err := eventsOf(cal)
		if err != nil {
			return nil, err
		}
		events = append(events, imported...)
	}
	return events, nil
}

func eventsOf(cal *ical.Calendar) ([]ImportedEvent, error) {
	var events []ImportedEvent
	for _, event := range cal.Events() {
		if event.Props.Get(ical.PropRecurrenceID) != nil {
			continue
		}
		imported, err := decodeEvent(event.Component)
		if err != nil {
			return nil, err
		}
		events = append(events, imported)
	}
	return events, nil
}

func decodeEvent(comp *ical.Component) (ImportedEvent, error) {
	var out ImportedEvent
	if prop := comp.Props.Get(ical.PropUID); prop != nil {
		out.UID = prop.Value
	}

	start, end, allDay, ok := recurrence.ExtractTimeSpanFromComponent(comp)
	if !ok {
		return out, fmt.Errorf("event %q: missing or malformed DTSTART/DTEND", out.UID)
	}
	info, err := recurrence.ExtractRecurrenceFromComponent(comp)
	if err != nil {
		return out, fmt.Errorf("event %q: %w", out.UID, err)
	}

	summary, _ := comp.Props.Text(ical.PropSummary)
	description, _ := comp.Props.Text(ical.PropDescription)
	out.Definition = series.Definition{
		Title:       summary,
		Description: description,
		IsAllDay:    allDay,
		StartTime:   start,
		EndTime:     end,
	}
	if prop := comp.Props.Get(ical.PropOrganizer); prop != nil {
		out.Definition.Organizer = strings.TrimPrefix(prop.Value, "mailto:")
	}
	if info.Rule != nil {
		out.Definition.RecurrenceRule = info.Rule.String()
	}
	out.ExDates = info.ExDates
	return out, nil
}
