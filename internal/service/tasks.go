package service

import "context"

// taskActions cover the shared task list. Ids are the small
// user-facing integers the store assigns, so agents can surface them
// directly in chat.
func (d *Dispatcher) taskActions() map[string]handler {
	return map[string]handler{
		"create":   d.taskCreate,
		"list":     d.taskList,
		"get":      d.taskGet,
		"update":   d.taskUpdate,
		"delete":   d.taskDelete,
		"upcoming": d.taskUpcoming,
	}
}

func (d *Dispatcher) taskCreate(ctx context.Context, c *call) (any, error) {
	t, err := d.tasks.Create(strParam(c.params, "title"), strParam(c.params, "due_date"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"task_id": t.ID}, nil
}

func (d *Dispatcher) taskList(ctx context.Context, c *call) (any, error) {
	list, err := d.tasks.List(boolParam(c.params, "include_done"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"tasks": list}, nil
}

func (d *Dispatcher) taskGet(ctx context.Context, c *call) (any, error) {
	id, ok := idParam(c.params)
	if !ok {
		return nil, errMissingID
	}
	t, err := d.tasks.Get(id)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (d *Dispatcher) taskUpdate(ctx context.Context, c *call) (any, error) {
	id, ok := idParam(c.params)
	if !ok {
		return nil, errMissingID
	}
	t, err := d.tasks.Update(id,
		optStrParam(c.params, "title"),
		optStrParam(c.params, "status"),
		optStrParam(c.params, "due_date"))
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (d *Dispatcher) taskDelete(ctx context.Context, c *call) (any, error) {
	id, ok := idParam(c.params)
	if !ok {
		return nil, errMissingID
	}
	if err := d.tasks.Delete(id); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true}, nil
}

func (d *Dispatcher) taskUpcoming(ctx context.Context, c *call) (any, error) {
	list, err := d.tasks.Upcoming(intParam(c.params, "days", 7), intParam(c.params, "limit", 0))
	if err != nil {
		return nil, err
	}
	return map[string]any{"tasks": list}, nil
}
