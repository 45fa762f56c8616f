package xml

import (
	"testing"

	"github.com/beevik/etree"
	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCalendar() *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//test//EN")

	event := ical.NewComponent(ical.CompEvent)
	event.Props.SetText(ical.PropUID, "u1")
	event.Props.SetText(ical.PropSummary, "Review; part 2")

	start := ical.NewProp(ical.PropDateTimeStart)
	start.Value = "20240101T090000"
	start.Params.Set(ical.ParamTimezoneID, "Europe/Berlin")
	event.Props.Set(start)

	end := ical.NewProp(ical.PropDateTimeEnd)
	end.Value = "20240102"
	end.Params.Set(ical.ParamValue, string(ical.ValueDate))
	event.Props.Set(end)

	rrule := ical.NewProp(ical.PropRecurrenceRule)
	rrule.Value = "FREQ=WEEKLY;UNTIL=20240301T000000Z;BYDAY=MO,WE"
	event.Props.Set(rrule)

	exdate := ical.NewProp(ical.PropExceptionDates)
	exdate.Value = "20240108T090000Z,20240110T090000Z"
	event.Props.Add(exdate)

	cal.Children = append(cal.Children, event)
	return cal
}

func TestFromCalendar(t *testing.T) {
	doc, err := FromCalendar(sampleCalendar())
	require.NoError(t, err)

	root := doc.Root()
	require.NotNil(t, root)
	assert.Equal(t, TagICalendar, root.Tag)
	assert.Equal(t, ICalendar, root.SelectAttrValue("xmlns", ""))

	vevent := root.FindElement("./vcalendar/components/vevent")
	require.NotNil(t, vevent)

	dtstart := vevent.FindElement("./properties/dtstart")
	require.NotNil(t, dtstart)
	assert.Equal(t, "Europe/Berlin", dtstart.FindElement("./parameters/tzid/text").Text())
	assert.Equal(t, "2024-01-01T09:00:00", dtstart.SelectElement(TypeDateTime).Text())

	dtend := vevent.FindElement("./properties/dtend")
	require.NotNil(t, dtend)
	assert.Equal(t, "2024-01-02", dtend.SelectElement(TypeDate).Text())
	assert.Nil(t, dtend.SelectElement(TagParameters))

	recur := vevent.FindElement("./properties/rrule/recur")
	require.NotNil(t, recur)
	assert.Equal(t, "WEEKLY", recur.SelectElement("freq").Text())
	assert.Equal(t, "2024-03-01T00:00:00Z", recur.SelectElement("until").Text())
	assert.Len(t, recur.SelectElements("byday"), 2)

	exdate := vevent.FindElement("./properties/exdate")
	require.NotNil(t, exdate)
	assert.Len(t, exdate.SelectElements(TypeDateTime), 2)

	summary := vevent.FindElement("./properties/summary/text")
	require.NotNil(t, summary)
	assert.Equal(t, "Review; part 2", summary.Text())
}

func TestFromCalendar_MalformedDate(t *testing.T) {
	cal := sampleCalendar()
	bad := ical.NewProp(ical.PropDateTimeStamp)
	bad.Value = "yesterday"
	cal.Children[0].Props.Set(bad)

	_, err := FromCalendar(cal)
	assert.Error(t, err)
}

func TestToCalendar_RoundTrip(t *testing.T) {
	doc, err := FromCalendar(sampleCalendar())
	require.NoError(t, err)

	out, err := doc.WriteToString()
	require.NoError(t, err)

	parsed := etree.NewDocument()
	require.NoError(t, parsed.ReadFromString(out))

	cal, err := ToCalendar(parsed)
	require.NoError(t, err)
	assert.Equal(t, ical.CompCalendar, cal.Name)

	events := cal.Events()
	require.Len(t, events, 1)
	event := events[0]

	summary, err := event.Props.Text(ical.PropSummary)
	require.NoError(t, err)
	assert.Equal(t, "Review; part 2", summary)

	dtstart := event.Props.Get(ical.PropDateTimeStart)
	assert.Equal(t, "20240101T090000", dtstart.Value)
	assert.Equal(t, "Europe/Berlin", dtstart.Params.Get(ical.ParamTimezoneID))

	dtend := event.Props.Get(ical.PropDateTimeEnd)
	assert.Equal(t, "20240102", dtend.Value)
	assert.Equal(t, string(ical.ValueDate), dtend.Params.Get(ical.ParamValue))

	assert.Equal(t, "FREQ=WEEKLY;UNTIL=20240301T000000Z;BYDAY=MO,WE", event.Props.Get(ical.PropRecurrenceRule).Value)
	assert.Equal(t, "20240108T090000Z,20240110T090000Z", event.Props.Get(ical.PropExceptionDates).Value)
}

func TestToCalendar_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "wrong root", doc: `<calendar/>`},
		{name: "missing vcalendar", doc: `<icalendar xmlns="urn:ietf:params:xml:ns:icalendar-2.0"/>`},
		{
			name: "property without value",
			doc:  `<icalendar><vcalendar><properties><version/></properties></vcalendar></icalendar>`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := etree.NewDocument()
			require.NoError(t, doc.ReadFromString(tt.doc))

			_, err := ToCalendar(doc)
			assert.Error(t, err)
		})
	}

	_, err := ToCalendar(etree.NewDocument())
	assert.Error(t, err)
}

func TestValueType(t *testing.T) {
	tests := []struct {
		name string
		prop *ical.Prop
		want string
	}{
		{name: "default text", prop: ical.NewProp(ical.PropSummary), want: TypeText},
		{name: "known date-time", prop: ical.NewProp(ical.PropDateTimeStart), want: TypeDateTime},
		{name: "recur", prop: ical.NewProp(ical.PropRecurrenceRule), want: TypeRecur},
		{name: "extension", prop: ical.NewProp("X-CUSTOM"), want: TypeUnknown},
		{
			name: "explicit value parameter",
			prop: func() *ical.Prop {
				p := ical.NewProp(ical.PropDateTimeStart)
				p.Params.Set(ical.ParamValue, "DATE")
				return p
			}(),
			want: TypeDate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, valueType(tt.prop))
		})
	}
}
