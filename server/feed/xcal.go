package feed

import (
	"fmt"
	"io"
	"time"

	"github.com/beevik/etree"
	"github.com/emersion/go-ical"

	"github.com/zaman-cal/seriesd/internal/xml"
	"github.com/zaman-cal/seriesd/server/storage"
)

// Media types of the supported documents.
const (
	MediaTypeICS  = "text/calendar"
	MediaTypeXCal = "application/calendar+xml"
)

func writeXCal(w io.Writer, cal *ical.Calendar) error {
	doc, err := xml.FromCalendar(cal)
	if err != nil {
		return fmt.Errorf("failed to build xCal document: %w", err)
	}
	doc.Indent(2)
	if _, err := doc.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write xCal document: %w", err)
	}
	return nil
}

// EncodeOccurrencesXCal writes occurrences as an xCal document.
func EncodeOccurrencesXCal(w io.Writer, occurrences []storage.Occurrence, stamp time.Time) error {
	return writeXCal(w, OccurrencesCalendar(occurrences, stamp))
}

// EncodeSeriesXCal writes a series and its exceptions as an xCal document.
func EncodeSeriesXCal(w io.Writer, s *storage.Series, exceptions []*storage.Exception, stamp time.Time) error {
	cal, err := SeriesCalendar(s, exceptions, stamp)
	if err != nil {
		return err
	}
	return writeXCal(w, cal)
}

// DecodeXCalEvents reads the VEVENTs of an xCal upload the way DecodeEvents
// reads text/calendar ones.
func DecodeXCalEvents(r io.Reader) ([]ImportedEvent, error) {
	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("failed to parse xCal document: %w", err)
	}
	cal, err := xml.ToCalendar(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to read xCal document: %w", err)
	}
	return eventsOf(cal)
}
