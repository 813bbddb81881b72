package core

import (
	"context"
	"errors"

	"thingrpc/internal/jsonrpc"
	"thingrpc/internal/store"
	"thingrpc/internal/types"
)

// ActionsHandler serves the Actions namespace.
type ActionsHandler struct {
	things *ThingManager
}

func NewActionsHandler(things *ThingManager) *ActionsHandler {
	return &ActionsHandler{things: things}
}

func (h *ActionsHandler) Name() string { return "Actions" }

func (h *ActionsHandler) Methods() map[string]jsonrpc.Method {
	return map[string]jsonrpc.Method{
		"ExecuteAction": {
			Fn:          h.executeAction,
			Description: "Executes an action on a device.",
			Params:      map[string]any{"deviceId": "Uuid", "actionTypeId": "Uuid", "o:params": "$ref:ParamList"},
			Returns:     map[string]any{"deviceError": "$ref:DeviceError", "o:displayMessage": "String"},
		},
		"GetActionType": {
			Fn:          h.getActionType,
			Description: "Returns an action type.",
			Params:      map[string]any{"actionTypeId": "Uuid"},
			Returns:     map[string]any{"deviceError": "$ref:DeviceError", "o:actionType": "$ref:ActionType"},
		},
	}
}

func (h *ActionsHandler) Notifications() map[string]jsonrpc.NotificationDesc { return nil }

func (h *ActionsHandler) executeAction(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	var a types.Action
	if err := call.Decode(&a); err != nil {
		return jsonrpc.InvalidParams(err)
	}
	if err := require("deviceId", a.ThingID, "actionTypeId", a.ActionTypeID); err != nil {
		return jsonrpc.InvalidParams(err)
	}
	return async(func() any {
		return thingResult(h.things.ExecuteAction(ctx, a))
	})
}

func (h *ActionsHandler) getActionType(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	var req struct {
		ID string `json:"actionTypeId"`
	}
	if err := call.Decode(&req); err != nil {
		return jsonrpc.InvalidParams(err)
	}
	at, found := h.things.Catalog().ActionType(req.ID)
	if !found {
		return jsonrpc.NewReply(thingResult(failed(types.ThingErrorActionTypeNotFound, "action type %s", req.ID)))
	}
	return jsonrpc.NewReply(thingResult(success, "actionType", at))
}

// EventsHandler serves the Events namespace.
type EventsHandler struct {
	things *ThingManager
}

func NewEventsHandler(things *ThingManager) *EventsHandler {
	return &EventsHandler{things: things}
}

func (h *EventsHandler) Name() string { return "Events" }

func (h *EventsHandler) Methods() map[string]jsonrpc.Method {
	return map[string]jsonrpc.Method{
		"GetEventType": {
			Fn:          h.getEventType,
			Description: "Returns an event type.",
			Params:      map[string]any{"eventTypeId": "Uuid"},
			Returns:     map[string]any{"deviceError": "$ref:DeviceError", "o:eventType": "$ref:EventType"},
		},
	}
}

func (h *EventsHandler) Notifications() map[string]jsonrpc.NotificationDesc {
	return map[string]jsonrpc.NotificationDesc{
		"EventTriggered": {
			Description: "Emitted for every event of a device, including state changes.",
			Params:      map[string]any{"event": "$ref:Event"},
		},
	}
}

func (h *EventsHandler) getEventType(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	var req struct {
		ID string `json:"eventTypeId"`
	}
	if err := call.Decode(&req); err != nil {
		return jsonrpc.InvalidParams(err)
	}
	et, found := h.things.Catalog().EventType(req.ID)
	if !found {
		return jsonrpc.NewReply(thingResult(failed(types.ThingErrorEventTypeNotFound, "event type %s", req.ID)))
	}
	return jsonrpc.NewReply(thingResult(success, "eventType", et))
}

// StatesHandler serves the States namespace.
type StatesHandler struct {
	things *ThingManager
}

func NewStatesHandler(things *ThingManager) *StatesHandler {
	return &StatesHandler{things: things}
}

func (h *StatesHandler) Name() string { return "States" }

func (h *StatesHandler) Methods() map[string]jsonrpc.Method {
	return map[string]jsonrpc.Method{
		"GetStateType": {
			Fn:          h.getStateType,
			Description: "Returns a state type.",
			Params:      map[string]any{"stateTypeId": "Uuid"},
			Returns:     map[string]any{"deviceError": "$ref:DeviceError", "o:stateType": "$ref:StateType"},
		},
	}
}

func (h *StatesHandler) Notifications() map[string]jsonrpc.NotificationDesc { return nil }

func (h *StatesHandler) getStateType(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	var req struct {
		ID string `json:"stateTypeId"`
	}
	if err := call.Decode(&req); err != nil {
		return jsonrpc.InvalidParams(err)
	}
	st, found := h.things.Catalog().StateType(req.ID)
	if !found {
		return jsonrpc.NewReply(thingResult(failed(types.ThingErrorStateTypeNotFound, "state type %s", req.ID)))
	}
	return jsonrpc.NewReply(thingResult(success, "stateType", st))
}

// VendorLookup resolves MAC addresses to vendor names.
type VendorLookup interface {
	VendorLookup(mac string) (string, error)
}

// VendorsHandler serves the Vendors namespace.
type VendorsHandler struct {
	lookup VendorLookup
}

func NewVendorsHandler(lookup VendorLookup) *VendorsHandler {
	return &VendorsHandler{lookup: lookup}
}

func (h *VendorsHandler) Name() string { return "Vendors" }

func (h *VendorsHandler) Methods() map[string]jsonrpc.Method {
	return map[string]jsonrpc.Method{
		"LookupMac": {
			Fn:          h.lookupMac,
			Description: "Returns the vendor registered for the prefix of a MAC address.",
			Params:      map[string]any{"mac": "String"},
			Returns:     map[string]any{"found": "Bool", "o:vendor": "String"},
		},
	}
}

func (h *VendorsHandler) Notifications() map[string]jsonrpc.NotificationDesc { return nil }

func (h *VendorsHandler) lookupMac(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	var req struct {
		MAC string `json:"mac"`
	}
	if err := call.Decode(&req); err != nil {
		return jsonrpc.InvalidParams(err)
	}
	vendor, err := h.lookup.VendorLookup(req.MAC)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return jsonrpc.NewReply(map[string]any{"found": false})
	case err != nil:
		return jsonrpc.InvalidParams(err)
	}
	return jsonrpc.NewReply(map[string]any{"found": true, "vendor": vendor})
}

// RegisterAll registers every namespace handler on srv.
func RegisterAll(srv *jsonrpc.Server, things *ThingManager, rs *RuleService, vendors VendorLookup) {
	srv.Register(NewDevicesHandler(things, rs))
	srv.Register(NewActionsHandler(things))
	srv.Register(NewEventsHandler(things))
	srv.Register(NewStatesHandler(things))
	srv.Register(NewRulesHandler(rs))
	srv.Register(NewVendorsHandler(vendors))
}
