package series

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/samber/mo"

	"github.com/zaman-cal/seriesd/internal/timeutil"
	"github.com/zaman-cal/seriesd/server/storage"
)

// Definition is the input of CreateSeries.
type Definition struct {
	Title          string               `json:"title"`
	Description    string               `json:"description"`
	Goal           string               `json:"goal"`
	TargetAudience string               `json:"target_audience"`
	Organizer      string               `json:"organizer"`
	IsAllDay       bool                 `json:"is_all_day"`
	StartTime      time.Time            `json:"start_time"`
	EndTime        time.Time            `json:"end_time"`
	RecurrenceRule string               `json:"recurrence_rule"`
	Scope          storage.Scope        `json:"scope"`
	TargetPolicy   storage.TargetPolicy `json:"target_policy"`
	TenantID       string               `json:"tenant_id"`
}

// Patch is a partial series update. Absent options leave the field alone.
// An empty RecurrenceRule turns the series into a single occurrence.
type Patch struct {
	Title          mo.Option[string]
	Description    mo.Option[string]
	Goal           mo.Option[string]
	TargetAudience mo.Option[string]
	Organizer      mo.Option[string]
	IsAllDay       mo.Option[bool]
	StartTime      mo.Option[time.Time]
	EndTime        mo.Option[time.Time]
	RecurrenceRule mo.Option[string]
	TargetPolicy   mo.Option[storage.TargetPolicy]
	IsLocked       mo.Option[bool]
	// ExpectedVersion must equal the stored LockVersion when present.
	ExpectedVersion mo.Option[int64]
}

// AffectsTime reports whether the patch changes the occurrence set.
func (p Patch) AffectsTime() bool {
	return p.StartTime.IsPresent() || p.EndTime.IsPresent() ||
		p.RecurrenceRule.IsPresent() || p.TargetPolicy.IsPresent()
}

// affectsDetails reports whether the patch changes denormalized row fields.
func (p Patch) affectsDetails() bool {
	return p.Title.IsPresent()
}

// apply copies the descriptive and time fields onto s.
func (p Patch) apply(s *storage.Series) {
	if v, ok := p.Title.Get(); ok {
		s.Title = v
	}
	if v, ok := p.Description.Get(); ok {
		s.Description = v
	}
	if v, ok := p.Goal.Get(); ok {
		s.Goal = v
	}
	if v, ok := p.TargetAudience.Get(); ok {
		s.TargetAudience = v
	}
	if v, ok := p.Organizer.Get(); ok {
		s.Organizer = v
	}
	if v, ok := p.IsAllDay.Get(); ok {
		s.IsAllDay = v
	}
	if v, ok := p.StartTime.Get(); ok {
		s.StartTime = v.UTC()
	}
	if v, ok := p.EndTime.Get(); ok {
		s.EndTime = v.UTC()
	}
	if v, ok := p.RecurrenceRule.Get(); ok {
		s.RecurrenceRule = v
	}
	if v, ok := p.TargetPolicy.Get(); ok {
		s.TargetPolicy = v
	}
}

type fieldDecoder func(p *Patch, raw json.RawMessage) error

// patchFields is the allow-list of patchable keys.
var patchFields = map[string]fieldDecoder{
	"title":           stringField(func(p *Patch) *mo.Option[string] { return &p.Title }),
	"description":     stringField(func(p *Patch) *mo.Option[string] { return &p.Description }),
	"goal":            stringField(func(p *Patch) *mo.Option[string] { return &p.Goal }),
	"target_audience": stringField(func(p *Patch) *mo.Option[string] { return &p.TargetAudience }),
	"organizer":       stringField(func(p *Patch) *mo.Option[string] { return &p.Organizer }),
	"recurrence_rule": stringField(func(p *Patch) *mo.Option[string] { return &p.RecurrenceRule }),
	"start_time":      timeField(func(p *Patch) *mo.Option[time.Time] { return &p.StartTime }),
	"end_time":        timeField(func(p *Patch) *mo.Option[time.Time] { return &p.EndTime }),
	"is_all_day": func(p *Patch, raw json.RawMessage) error {
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		p.IsAllDay = mo.Some(v)
		return nil
	},
	"is_locked": func(p *Patch, raw json.RawMessage) error {
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		p.IsLocked = mo.Some(v)
		return nil
	},
	"lock_version": func(p *Patch, raw json.RawMessage) error {
		var v int64
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		p.ExpectedVersion = mo.Some(v)
		return nil
	},
	"target_policy": func(p *Patch, raw json.RawMessage) error {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		var v storage.TargetPolicy
		if err := dec.Decode(&v); err != nil {
			return err
		}
		p.TargetPolicy = mo.Some(v)
		return nil
	},
}

func stringField(field func(p *Patch) *mo.Option[string]) fieldDecoder {
	return func(p *Patch, raw json.RawMessage) error {
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		*field(p) = mo.Some(v)
		return nil
	}
}

func timeField(field func(p *Patch) *mo.Option[time.Time]) fieldDecoder {
	return func(p *Patch, raw json.RawMessage) error {
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		t, err := timeutil.ParseTimestamp(v)
		if err != nil {
			return err
		}
		*field(p) = mo.Some(t)
		return nil
	}
}

// DecodePatch decodes a JSON object into a Patch. Keys outside the
// allow-list and null values are rejected.
func DecodePatch(data []byte) (Patch, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Patch{}, wrapError(ErrInvalidInput, err, "malformed patch")
	}

	var p Patch
	for key, value := range raw {
		decode, ok := patchFields[key]
		if !ok {
			return Patch{}, newError(ErrInvalidInput, "field %q cannot be patched", key)
		}
		if strings.TrimSpace(string(value)) == "null" {
			return Patch{}, newError(ErrInvalidInput, "field %q must not be null", key)
		}
		if err := decode(&p, value); err != nil {
			return Patch{}, wrapError(ErrInvalidInput, err, "field %q", key)
		}
	}
	return p, nil
}

// DecodeDefinition decodes a JSON series definition, rejecting unknown keys.
func DecodeDefinition(data []byte) (Definition, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Definition{}, wrapError(ErrInvalidInput, err, "malformed definition")
	}

	var def Definition
	for _, key := range []string{"start_time", "end_time"} {
		value, ok := raw[key]
		if !ok {
			return Definition{}, newError(ErrInvalidInput, "field %q is required", key)
		}
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return Definition{}, wrapError(ErrInvalidInput, err, "field %q", key)
		}
		t, err := timeutil.ParseTimestamp(s)
		if err != nil {
			return Definition{}, wrapError(ErrInvalidInput, err, "field %q", key)
		}
		if key == "start_time" {
			def.StartTime = t
		} else {
			def.EndTime = t
		}
		delete(raw, key)
	}

	rest, err := json.Marshal(raw)
	if err != nil {
		return Definition{}, fmt.Errorf("re-encode definition: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(rest))
	dec.DisallowUnknownFields()
	var body Definition
	if err := dec.Decode(&body); err != nil {
		return Definition{}, wrapError(ErrInvalidInput, err, "malformed definition")
	}
	body.StartTime, body.EndTime = def.StartTime, def.EndTime
	return body, nil
}
