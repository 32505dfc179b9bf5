package scriptrt

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// SettingExecuteRequest is the payload of TemplateSettingExecute events. The
// correlation id ties the script's answer back to the request, because
// a script may emit several values while handling one event.
type SettingExecuteRequest struct {
	CorrelationID string         `json:"correlation_id"`
	SettingID     string         `json:"setting_id"`
	Operation     string         `json:"op"`
	Fields        map[string]any `json:"fields,omitempty"`
	Author        string         `json:"author,omitempty"`
}

// ScriptSettings pairs a script with the settings it serves.
type ScriptSettings struct {
	Script   string    `json:"script"`
	Settings []Setting `json:"settings"`
}

// SettingsBridge is the dashboard-facing RPC over the dispatch plane:
// it asks scripts what settings they expose and executes view, create,
// update and delete operations against them.
type SettingsBridge struct {
	dispatcher *Dispatcher
	pages      *PageRegistry
	log        *slog.Logger
}

// NewSettingsBridge wires the bridge over the dispatcher and registry.
func NewSettingsBridge(dispatcher *Dispatcher, pages *PageRegistry, log *slog.Logger) *SettingsBridge {
	if log == nil {
		log = slog.Default()
	}
	return &SettingsBridge{dispatcher: dispatcher, pages: pages, log: log}
}

// Pages returns the statically registered settings pages by script.
func (b *SettingsBridge) Pages(tenant TenantID) map[string]*Page {
	return b.pages.ForTenant(tenant)
}

// QuerySettings asks every subscribed script what settings it exposes.
func (b *SettingsBridge) QuerySettings(ctx context.Context, tenant TenantID) ([]ScriptSettings, error) {
	ev := newInternalEvent(EventGetSettings, nil, "")
	results, err := b.dispatcher.DispatchAndWait(ctx, tenant, ev)
	if err != nil {
		return nil, err
	}
	var out []ScriptSettings
	for _, res := range results {
		if res.Err != nil {
			b.log.Warn("settings query failed", "script", res.Script, "err", res.Err)
			continue
		}
		if res.Value == nil {
			continue
		}
		var settings []Setting
		if err := reshape(res.Value, &settings); err != nil {
			b.log.Warn("settings query returned malformed value", "script", res.Script, "err", err)
			continue
		}
		out = append(out, ScriptSettings{Script: res.Script, Settings: settings})
	}
	return out, nil
}

// Execute runs one settings operation against one script and returns
// the correlated response value. waitTimeout, when positive, overrides
// the configured wait deadline for this call.
func (b *SettingsBridge) Execute(ctx context.Context, tenant TenantID, script, settingID, op string, fields map[string]any, author string, waitTimeout time.Duration) (any, error) {
	switch op {
	case "view", "create", "update", "delete":
	default:
		return nil, errInvalidInput("op", "must be view, create, update or delete")
	}
	corr := uuid.NewString()
	req := SettingExecuteRequest{
		CorrelationID: corr,
		SettingID:     settingID,
		Operation:     op,
		Fields:        fields,
		Author:        author,
	}
	ev := newInternalEvent(EventTemplateSettingExecute, req, author)
	results, err := b.dispatcher.DispatchWait(ctx, tenant, ev, []string{script}, waitTimeout)
	if err != nil {
		return nil, err
	}
	for _, res := range results {
		if res.Err != nil {
			return nil, res.Err
		}
		if value, ok := correlated(res.Value, corr); ok {
			return value, nil
		}
	}
	return nil, errScript("script did not respond to the settings operation")
}

// correlated digs the answer matching the correlation id out of a
// script's return value. Scripts answer with an object carrying
// correlation_id plus a result (single) or results (list) member;
// a list return is searched element-wise.
func correlated(value any, corr string) (any, bool) {
	switch v := value.(type) {
	case map[string]any:
		if v["correlation_id"] != corr {
			return nil, false
		}
		if res, ok := v["result"]; ok {
			return res, true
		}
		if res, ok := v["results"]; ok {
			return res, true
		}
		return nil, true
	case []any:
		for _, elem := range v {
			if res, ok := correlated(elem, corr); ok {
				return res, true
			}
		}
	}
	return nil, false
}

// reshape converts a loosely typed script return value into a concrete
// shape via a JSON round-trip.
func reshape(value any, into any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, into)
}
