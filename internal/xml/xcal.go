// Package xml converts iCalendar objects to and from their xCal (RFC 6321)
// XML representation.
package xml

import (
	"fmt"
	"slices"
	"strings"

	"github.com/beevik/etree"
	"github.com/emersion/go-ical"
)

// Element names of the xCal document skeleton
const (
	TagICalendar  = "icalendar"
	TagProperties = "properties"
	TagComponents = "components"
	TagParameters = "parameters"
)

// Value type elements
const (
	TypeText       = "text"
	TypeDate       = "date"
	TypeDateTime   = "date-time"
	TypeDuration   = "duration"
	TypeRecur      = "recur"
	TypeCalAddress = "cal-address"
	TypeInteger    = "integer"
	TypeURI        = "uri"
	TypeUnknown    = "unknown"
)

// propTypes holds the default value type of properties that are not text.
var propTypes = map[string]string{
	ical.PropDateTimeStart:   TypeDateTime,
	ical.PropDateTimeEnd:     TypeDateTime,
	ical.PropDateTimeStamp:   TypeDateTime,
	ical.PropCreated:         TypeDateTime,
	ical.PropLastModified:    TypeDateTime,
	ical.PropRecurrenceID:    TypeDateTime,
	ical.PropExceptionDates:  TypeDateTime,
	ical.PropRecurrenceDates: TypeDateTime,
	ical.PropDuration:        TypeDuration,
	ical.PropRecurrenceRule:  TypeRecur,
	ical.PropOrganizer:       TypeCalAddress,
	ical.PropAttendee:        TypeCalAddress,
	ical.PropSequence:        TypeInteger,
	ical.PropURL:             TypeURI,
}

// listProps carry comma separated values, one xCal value element each.
var listProps = map[string]bool{
	ical.PropExceptionDates:  true,
	ical.PropRecurrenceDates: true,
	ical.PropCategories:      true,
}

func valueType(prop *ical.Prop) string {
	if v := prop.Params.Get(ical.ParamValue); v != "" {
		return strings.ToLower(v)
	}
	if t, ok := propTypes[prop.Name]; ok {
		return t
	}
	if strings.HasPrefix(prop.Name, "X-") {
		return TypeUnknown
	}
	return TypeText
}

// FromCalendar converts cal to an xCal document
func FromCalendar(cal *ical.Calendar) (*etree.Document, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement(TagICalendar)
	AddNamespaces(doc)

	if err := writeComponent(root, cal.Component); err != nil {
		return nil, err
	}
	return doc, nil
}

func writeComponent(parent *etree.Element, comp *ical.Component) error {
	elem := parent.CreateElement(strings.ToLower(comp.Name))

	names := make([]string, 0, len(comp.Props))
	for name := range comp.Props {
		names = append(names, name)
	}
	slices.Sort(names)

	if len(names) > 0 {
		props := elem.CreateElement(TagProperties)
		for _, name := range names {
			for i := range comp.Props[name] {
				if err := writeProp(props, &comp.Props[name][i]); err != nil {
					return err
				}
			}
		}
	}

	if len(comp.Children) > 0 {
		children := elem.CreateElement(TagComponents)
		for _, child := range comp.Children {
			if err := writeComponent(children, child); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeProp(parent *etree.Element, prop *ical.Prop) error {
	elem := parent.CreateElement(strings.ToLower(prop.Name))
	writeParams(elem, prop.Params)

	typ := valueType(prop)
	switch typ {
	case TypeText:
		text, err := prop.Text()
		if err != nil {
			return fmt.Errorf("property %s: %w", prop.Name, err)
		}
		values := []string{text}
		if listProps[prop.Name] {
			values = strings.Split(text, ",")
		}
		for _, v := range values {
			elem.CreateElement(TypeText).SetText(v)
		}
	case TypeDate, TypeDateTime:
		for _, v := range strings.Split(prop.Value, ",") {
			formatted, err := extendedTime(typ, strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("property %s: %w", prop.Name, err)
			}
			elem.CreateElement(typ).SetText(formatted)
		}
	case TypeRecur:
		if err := writeRecur(elem.CreateElement(TypeRecur), prop.Value); err != nil {
			return fmt.Errorf("property %s: %w", prop.Name, err)
		}
	default:
		elem.CreateElement(typ).SetText(prop.Value)
	}
	return nil
}

func writeParams(elem *etree.Element, params ical.Params) {
	names := make([]string, 0, len(params))
	for name := range params {
		if name != ical.ParamValue {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return
	}
	slices.Sort(names)

	container := elem.CreateElement(TagParameters)
	for _, name := range names {
		param := container.CreateElement(strings.ToLower(name))
		for _, v := range params[name] {
			param.CreateElement(TypeText).SetText(v)
		}
	}
}

// writeRecur splits an RRULE value into one element per part. List parts
// such as BYDAY become repeated elements.
func writeRecur(elem *etree.Element, value string) error {
	for _, part := range strings.Split(value, ";") {
		if part == "" {
			continue
		}
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			return fmt.Errorf("malformed recurrence part %q", part)
		}
		key = strings.ToLower(key)
		if key == "until" {
			typ := TypeDateTime
			if !strings.Contains(val, "T") {
				typ = TypeDate
			}
			formatted, err := extendedTime(typ, val)
			if err != nil {
				return err
			}
			elem.CreateElement(key).SetText(formatted)
			continue
		}
		for _, item := range strings.Split(val, ",") {
			elem.CreateElement(key).SetText(item)
		}
	}
	return nil
}

// extendedTime converts the basic iCalendar format (20240101T090000Z) to the
// extended format xCal uses (2024-01-01T09:00:00Z).
func extendedTime(typ, value string) (string, error) {
	switch {
	case typ == TypeDate && len(value) == 8:
		return value[0:4] + "-" + value[4:6] + "-" + value[6:8], nil
	case typ == TypeDateTime && len(value) >= 15 && value[8] == 'T':
		out := value[0:4] + "-" + value[4:6] + "-" + value[6:8] + "T" +
			value[9:11] + ":" + value[11:13] + ":" + value[13:15]
		if strings.HasSuffix(value, "Z") {
			out += "Z"
		}
		return out, nil
	}
	return "", fmt.Errorf("malformed %s value %q", typ, value)
}

// basicTime reverses extendedTime.
func basicTime(value string) string {
	return strings.NewReplacer("-", "", ":", "").Replace(strings.TrimSpace(value))
}

// ToCalendar converts an xCal document back into an iCalendar object. Only
// the first vcalendar element is read.
func ToCalendar(doc *etree.Document) (*ical.Calendar, error) {
	if doc == nil || doc.Root() == nil {
		return nil, fmt.Errorf("empty document")
	}
	root := doc.Root()
	if root.Tag != TagICalendar {
		return nil, fmt.Errorf("invalid root tag: %s", root.Tag)
	}
	vcal := root.SelectElement(strings.ToLower(ical.CompCalendar))
	if vcal == nil {
		return nil, fmt.Errorf("missing %s element", strings.ToLower(ical.CompCalendar))
	}

	comp, err := readComponent(vcal)
	if err != nil {
		return nil, err
	}
	return &ical.Calendar{Component: comp}, nil
}

func readComponent(elem *etree.Element) (*ical.Component, error) {
	comp := ical.NewComponent(strings.ToUpper(elem.Tag))

	if props := elem.SelectElement(TagProperties); props != nil {
		for _, p := range props.ChildElements() {
			prop, err := readProp(p)
			if err != nil {
				return nil, err
			}
			comp.Props.Add(prop)
		}
	}

	if children := elem.SelectElement(TagComponents); children != nil {
		for _, c := range children.ChildElements() {
			child, err := readComponent(c)
			if err != nil {
				return nil, err
			}
			comp.Children = append(comp.Children, child)
		}
	}
	return comp, nil
}

func readProp(elem *etree.Element) (*ical.Prop, error) {
	prop := ical.NewProp(strings.ToUpper(elem.Tag))

	var values []*etree.Element
	for _, child := range elem.ChildElements() {
		if child.Tag == TagParameters {
			for _, param := range child.ChildElements() {
				name := strings.ToUpper(param.Tag)
				for _, v := range param.ChildElements() {
					prop.Params.Add(name, v.Text())
				}
			}
			continue
		}
		values = append(values, child)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("property %s has no value", prop.Name)
	}

	typ := values[0].Tag
	switch typ {
	case TypeText:
		texts := make([]string, len(values))
		for i, v := range values {
			texts[i] = v.Text()
		}
		prop.SetText(strings.Join(texts, ","))
	case TypeDate, TypeDateTime:
		items := make([]string, len(values))
		for i, v := range values {
			items[i] = basicTime(v.Text())
		}
		prop.Value = strings.Join(items, ",")
		if typ == TypeDate {
			prop.Params.Set(ical.ParamValue, string(ical.ValueDate))
		}
	case TypeRecur:
		prop.Value = readRecur(values[0])
	default:
		prop.Value = values[0].Text()
	}
	return prop, nil
}

func readRecur(elem *etree.Element) string {
	var parts []string
	index := make(map[string]int)
	for _, child := range elem.ChildElements() {
		key := strings.ToUpper(child.Tag)
		value := child.Text()
		if key == "UNTIL" {
			value = basicTime(value)
		}
		if i, ok := index[key]; ok {
			parts[i] += "," + value
			continue
		}
		index[key] = len(parts)
		parts = append(parts, key+"="+value)
	}
	return strings.Join(parts, ";")
}
