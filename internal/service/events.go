package service

import (
	"context"

	"github.com/fenwick/atrium/internal/calendar"
)

func (d *Dispatcher) eventActions() map[string]handler {
	return map[string]handler{
		"create":   d.eventCreate,
		"list":     d.eventList,
		"get":      d.eventGet,
		"update":   d.eventUpdate,
		"delete":   d.eventDelete,
		"upcoming": d.eventUpcoming,
	}
}

func (d *Dispatcher) eventCreate(ctx context.Context, c *call) (any, error) {
	e := &calendar.Event{
		Title:     strParam(c.params, "title"),
		StartTime: strParam(c.params, "start_time"),
		EndTime:   strParam(c.params, "end_time"),
		Location:  strParam(c.params, "location"),
		Notes:     strParam(c.params, "notes"),
	}
	if freq := strParam(c.params, "frequency"); freq != "" {
		e.Recurrence = &calendar.Recurrence{
			Frequency: freq,
			Interval:  intParam(c.params, "interval", 1),
			EndDate:   strParam(c.params, "end_date"),
		}
	}
	if err := d.events.Create(e); err != nil {
		return nil, err
	}
	return map[string]any{"event_id": e.ID}, nil
}

func (d *Dispatcher) eventList(ctx context.Context, c *call) (any, error) {
	list, err := d.events.List()
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": list}, nil
}

func (d *Dispatcher) eventGet(ctx context.Context, c *call) (any, error) {
	id, ok := idParam(c.params)
	if !ok {
		return nil, errMissingID
	}
	e, err := d.events.Get(id)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// eventUpdate applies only the fields present in params. An explicit
// empty frequency clears the recurrence rule.
func (d *Dispatcher) eventUpdate(ctx context.Context, c *call) (any, error) {
	id, ok := idParam(c.params)
	if !ok {
		return nil, errMissingID
	}
	e, err := d.events.Get(id)
	if err != nil {
		return nil, err
	}

	if v := optStrParam(c.params, "title"); v != nil {
		e.Title = *v
	}
	if v := optStrParam(c.params, "start_time"); v != nil {
		e.StartTime = *v
	}
	if v := optStrParam(c.params, "end_time"); v != nil {
		e.EndTime = *v
	}
	if v := optStrParam(c.params, "location"); v != nil {
		e.Location = *v
	}
	if v := optStrParam(c.params, "notes"); v != nil {
		e.Notes = *v
	}
	if v := optStrParam(c.params, "frequency"); v != nil {
		if *v == "" {
			e.Recurrence = nil
		} else {
			if e.Recurrence == nil {
				e.Recurrence = &calendar.Recurrence{Interval: 1}
			}
			e.Recurrence.Frequency = *v
		}
	}
	if e.Recurrence != nil {
		if v, ok := floatParam(c.params, "interval"); ok {
			e.Recurrence.Interval = int(v)
		}
		if v := optStrParam(c.params, "end_date"); v != nil {
			e.Recurrence.EndDate = *v
		}
	}

	if err := d.events.Update(e); err != nil {
		return nil, err
	}
	return e, nil
}

func (d *Dispatcher) eventDelete(ctx context.Context, c *call) (any, error) {
	id, ok := idParam(c.params)
	if !ok {
		return nil, errMissingID
	}
	if err := d.events.Delete(id); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true}, nil
}

func (d *Dispatcher) eventUpcoming(ctx context.Context, c *call) (any, error) {
	occs, err := d.events.Upcoming(intParam(c.params, "days", 7), intParam(c.params, "limit", 0))
	if err != nil {
		return nil, err
	}
	return map[string]any{"occurrences": occs}, nil
}
