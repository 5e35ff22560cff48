package service

import (
	"context"
	"fmt"

	"github.com/fenwick/atrium/internal/settings"
)

func (d *Dispatcher) settingsActions() map[string]handler {
	return map[string]handler{
		"get":          d.settingGet,
		"set":          d.settingSet,
		"get_model":    d.settingGetModel,
		"load_all":     d.settingLoadAll,
		"is_valid_key": d.settingIsValidKey,
	}
}

func (d *Dispatcher) settingGet(ctx context.Context, c *call) (any, error) {
	key := strParam(c.params, "key")
	if key == "" {
		return nil, fmt.Errorf("key is required")
	}
	return map[string]any{"key": key, "value": d.settings.Get(key)}, nil
}

// settingSet stores the value and reports whether the key is a known
// one; unknown keys are persisted anyway so callers can warn without
// losing the write.
func (d *Dispatcher) settingSet(ctx context.Context, c *call) (any, error) {
	key := strParam(c.params, "key")
	if key == "" {
		return nil, fmt.Errorf("key is required")
	}
	known, err := d.settings.Set(key, c.params["value"])
	if err != nil {
		return nil, err
	}
	return map[string]any{"key": key, "value": d.settings.Get(key), "known": known}, nil
}

func (d *Dispatcher) settingGetModel(ctx context.Context, c *call) (any, error) {
	return map[string]any{"model": d.settings.GetModel(strParam(c.params, "command"))}, nil
}

func (d *Dispatcher) settingLoadAll(ctx context.Context, c *call) (any, error) {
	return d.settings.LoadAll(), nil
}

func (d *Dispatcher) settingIsValidKey(ctx context.Context, c *call) (any, error) {
	key := strParam(c.params, "key")
	return map[string]any{"key": key, "valid": settings.IsValidKey(key)}, nil
}
