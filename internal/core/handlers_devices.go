package core

import (
	"context"
	"errors"
	"fmt"

	"thingrpc/internal/jsonrpc"
	"thingrpc/internal/types"
)

// RemovePolicyCascade allows removing a thing that rules refer to: the
// thing is stripped out of those rules. Without it such a removal is refused
// with ThingErrorThingInRule.
const RemovePolicyCascade = "RemovePolicyCascade"

// async finishes the reply from a goroutine with whatever fn returns.
func async(fn func() any) *jsonrpc.Reply {
	r := jsonrpc.NewAsyncReply(0)
	go func() { _ = r.Finish(fn()) }()
	return r
}

func thingResult(out Outcome, kv ...any) map[string]any {
	res := map[string]any{"deviceError": out.Code}
	if !out.OK() && out.Message != "" {
		res["displayMessage"] = out.Message
	}
	for i := 0; i+1 < len(kv); i += 2 {
		res[kv[i].(string)] = kv[i+1]
	}
	return res
}

func require(fields ...string) error {
	for i := 0; i+1 < len(fields); i += 2 {
		if fields[i+1] == "" {
			return fmt.Errorf("missing %s", fields[i])
		}
	}
	return nil
}

// DevicesHandler serves the Devices namespace.
type DevicesHandler struct {
	things *ThingManager
	rules  *RuleService
}

func NewDevicesHandler(things *ThingManager, rules *RuleService) *DevicesHandler {
	return &DevicesHandler{things: things, rules: rules}
}

func (h *DevicesHandler) Name() string { return "Devices" }

func (h *DevicesHandler) Methods() map[string]jsonrpc.Method {
	addParams := map[string]any{
		"o:deviceClassId": "Uuid", "o:name": "String",
		"o:deviceParams": "$ref:ParamList", "o:deviceDescriptorId": "Uuid",
	}
	return map[string]jsonrpc.Method{
		"GetSupportedVendors": {
			Fn:          h.getSupportedVendors,
			Description: "Returns every vendor.",
			Returns:     map[string]any{"vendors": "$ref:Vendors"},
		},
		"GetSupportedDevices": {
			Fn:          h.getSupportedDevices,
			Description: "Returns the device classes, optionally of one vendor.",
			Params:      map[string]any{"o:vendorId": "Uuid"},
			Returns:     map[string]any{"deviceError": "$ref:DeviceError", "deviceClasses": "$ref:DeviceClasses"},
		},
		"GetConfiguredDevices": {
			Fn:          h.getConfiguredDevices,
			Description: "Returns the configured devices, or one device.",
			Params:      map[string]any{"o:deviceId": "Uuid"},
			Returns:     map[string]any{"devices": "$ref:Devices"},
		},
		"GetDiscoveredDevices": {
			Fn:          h.getDiscoveredDevices,
			Description: "Runs a discovery for a device class.",
			Params:      map[string]any{"deviceClassId": "Uuid", "o:discoveryParams": "$ref:ParamList"},
			Returns:     map[string]any{"deviceError": "$ref:DeviceError", "o:deviceDescriptors": "$ref:DeviceDescriptors"},
		},
		"AddConfiguredDevice": {
			Fn:          h.addConfiguredDevice,
			Description: "Adds a device that needs no pairing, from params or from a descriptor.",
			Params:      addParams,
			Returns:     map[string]any{"deviceError": "$ref:DeviceError", "o:deviceId": "Uuid", "o:displayMessage": "String"},
		},
		"PairDevice": {
			Fn:          h.pairDevice,
			Description: "Starts pairing a device.",
			Params:      addParams,
			Returns: map[string]any{
				"deviceError": "$ref:DeviceError", "o:pairingTransactionId": "Uuid",
				"o:displayMessage": "String", "o:setupMethod": "$ref:SetupMethod",
			},
		},
		"ConfirmPairing": {
			Fn:          h.confirmPairing,
			Description: "Confirms a pairing transaction.",
			Params:      map[string]any{"pairingTransactionId": "Uuid", "o:username": "String", "o:secret": "String"},
			Returns:     map[string]any{"deviceError": "$ref:DeviceError", "o:deviceId": "Uuid", "o:displayMessage": "String"},
		},
		"RemoveConfiguredDevice": {
			Fn:          h.removeConfiguredDevice,
			Description: "Removes a device. A device used by rules needs removePolicy RemovePolicyCascade.",
			Params:      map[string]any{"deviceId": "Uuid", "o:removePolicy": "$ref:RemovePolicy"},
			Returns:     map[string]any{"deviceError": "$ref:DeviceError", "o:ruleIds": "UuidList"},
		},
		"GetStateValue": {
			Fn:          h.getStateValue,
			Description: "Returns the value of one state.",
			Params:      map[string]any{"deviceId": "Uuid", "stateTypeId": "Uuid"},
			Returns:     map[string]any{"deviceError": "$ref:DeviceError", "o:value": "Variant"},
		},
		"GetStateValues": {
			Fn:          h.getStateValues,
			Description: "Returns every state of a device.",
			Params:      map[string]any{"deviceId": "Uuid"},
			Returns:     map[string]any{"deviceError": "$ref:DeviceError", "o:values": "$ref:States"},
		},
		"GetPlugins": {
			Fn:          h.getPlugins,
			Description: "Returns the running plugins.",
			Returns:     map[string]any{"plugins": "$ref:Plugins"},
		},
		"GetPluginConfiguration": {
			Fn:          h.getPluginConfiguration,
			Description: "Returns the configuration of a plugin.",
			Params:      map[string]any{"pluginId": "Uuid"},
			Returns:     map[string]any{"deviceError": "$ref:DeviceError", "o:configuration": "$ref:ParamList"},
		},
		"SetPluginConfiguration": {
			Fn:          h.setPluginConfiguration,
			Description: "Replaces the configuration of a plugin.",
			Params:      map[string]any{"pluginId": "Uuid", "configuration": "$ref:ParamList"},
			Returns:     map[string]any{"deviceError": "$ref:DeviceError"},
		},
		"SetDeviceSettings": {
			Fn:          h.setDeviceSettings,
			Description: "Changes settings of a device.",
			Params:      map[string]any{"deviceId": "Uuid", "settings": "$ref:ParamList"},
			Returns:     map[string]any{"deviceError": "$ref:DeviceError"},
		},
		"BrowseDevice": {
			Fn:          h.browseDevice,
			Description: "Lists the browser items below itemId, the root when omitted.",
			Params:      map[string]any{"deviceId": "Uuid", "o:itemId": "String"},
			Returns:     map[string]any{"deviceError": "$ref:DeviceError", "items": "$ref:BrowserItems"},
		},
		"ExecuteBrowserItem": {
			Fn:          h.executeBrowserItem,
			Description: "Executes a browser item.",
			Params:      map[string]any{"deviceId": "Uuid", "itemId": "String"},
			Returns:     map[string]any{"deviceError": "$ref:DeviceError"},
		},
		"GetEventTypes": {
			Fn:          h.getEventTypes,
			Description: "Returns the event types of a device class.",
			Params:      map[string]any{"deviceClassId": "Uuid"},
			Returns:     map[string]any{"eventTypes": "$ref:EventTypes"},
		},
		"GetStateTypes": {
			Fn:          h.getStateTypes,
			Description: "Returns the state types of a device class.",
			Params:      map[string]any{"deviceClassId": "Uuid"},
			Returns:     map[string]any{"stateTypes": "$ref:StateTypes"},
		},
		"GetActionTypes": {
			Fn:          h.getActionTypes,
			Description: "Returns the action types of a device class.",
			Params:      map[string]any{"deviceClassId": "Uuid"},
			Returns:     map[string]any{"actionTypes": "$ref:ActionTypes"},
		},
	}
}

func (h *DevicesHandler) Notifications() map[string]jsonrpc.NotificationDesc {
	return map[string]jsonrpc.NotificationDesc{
		"DeviceAdded": {
			Description: "Emitted when a device was added.",
			Params:      map[string]any{"device": "$ref:Device"},
		},
		"DeviceRemoved": {
			Description: "Emitted when a device was removed.",
			Params:      map[string]any{"deviceId": "Uuid"},
		},
		"StateChanged": {
			Description: "Emitted when a state value changed.",
			Params:      map[string]any{"deviceId": "Uuid", "stateTypeId": "Uuid", "value": "Variant"},
		},
		"PluginConfigurationChanged": {
			Description: "Emitted when a plugin configuration changed.",
			Params:      map[string]any{"pluginId": "Uuid", "configuration": "$ref:ParamList"},
		},
	}
}

func (h *DevicesHandler) Types() map[string]any {
	t := make(map[string]any)
	t["DeviceError"] = types.ThingErrors()
	t["CreateMethod"] = []types.CreateMethod{types.CreateMethodUser, types.CreateMethodDiscovery, types.CreateMethodAuto}
	t["SetupMethod"] = []types.SetupMethod{
		types.SetupMethodJustAdd, types.SetupMethodDisplayPin, types.SetupMethodEnterPin,
		types.SetupMethodPushButton, types.SetupMethodUserAndPassword,
	}
	t["SetupStatus"] = []types.SetupStatus{
		types.SetupStatusNone, types.SetupStatusInProgress, types.SetupStatusComplete, types.SetupStatusFailed,
	}
	t["RemovePolicy"] = []string{RemovePolicyCascade}
	t["BrowserIcon"] = []types.BrowserIcon{
		types.BrowserIconNone, types.BrowserIconFolder, types.BrowserIconFile,
		types.BrowserIconApplication, types.BrowserIconFavorites,
	}
	return t
}

func (h *DevicesHandler) getSupportedVendors(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	return jsonrpc.NewReply(map[string]any{"vendors": h.things.Catalog().Vendors()})
}

func (h *DevicesHandler) getSupportedDevices(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	var req struct {
		VendorID string `json:"vendorId"`
	}
	if err := call.Decode(&req); err != nil {
		return jsonrpc.InvalidParams(err)
	}
	catalog := h.things.Catalog()
	if req.VendorID != "" {
		if _, found := catalog.Vendor(req.VendorID); !found {
			return jsonrpc.NewReply(thingResult(failed(types.ThingErrorVendorNotFound, "vendor %s", req.VendorID),
				"deviceClasses", []types.ThingClass{}))
		}
	}
	return jsonrpc.NewReply(thingResult(success, "deviceClasses", catalog.ThingClasses(req.VendorID)))
}

func (h *DevicesHandler) getConfiguredDevices(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	var req struct {
		DeviceID string `json:"deviceId"`
	}
	if err := call.Decode(&req); err != nil {
		return jsonrpc.InvalidParams(err)
	}
	if req.DeviceID == "" {
		return jsonrpc.NewReply(map[string]any{"devices": h.things.Things()})
	}
	t, found := h.things.Thing(req.DeviceID)
	if !found {
		return jsonrpc.NewReply(map[string]any{"devices": []*types.Thing{}})
	}
	return jsonrpc.NewReply(map[string]any{"devices": []*types.Thing{t}})
}

func (h *DevicesHandler) getDiscoveredDevices(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	var req struct {
		ThingClassID string          `json:"deviceClassId"`
		Params       types.ParamList `json:"discoveryParams"`
	}
	if err := call.Decode(&req); err != nil {
		return jsonrpc.InvalidParams(err)
	}
	if err := require("deviceClassId", req.ThingClassID); err != nil {
		return jsonrpc.InvalidParams(err)
	}
	return async(func() any {
		descs, out := h.things.Discover(ctx, req.ThingClassID, req.Params)
		if !out.OK() {
			return thingResult(out)
		}
		if descs == nil {
			descs = []types.ThingDescriptor{}
		}
		return thingResult(out, "deviceDescriptors", descs)
	})
}

type addDeviceParams struct {
	ThingClassID string          `json:"deviceClassId"`
	Name         string          `json:"name"`
	Params       types.ParamList `json:"deviceParams"`
	DescriptorID string          `json:"deviceDescriptorId"`
}

func (p addDeviceParams) request() (AddRequest, error) {
	if p.ThingClassID == "" && p.DescriptorID == "" {
		return AddRequest{}, errors.New("either deviceClassId or deviceDescriptorId is required")
	}
	return AddRequest{ThingClassID: p.ThingClassID, Name: p.Name, Params: p.Params, DescriptorID: p.DescriptorID}, nil
}

func (h *DevicesHandler) addConfiguredDevice(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	var p addDeviceParams
	if err := call.Decode(&p); err != nil {
		return jsonrpc.InvalidParams(err)
	}
	req, err := p.request()
	if err != nil {
		return jsonrpc.InvalidParams(err)
	}
	return async(func() any {
		id, out := h.things.AddConfiguredThing(ctx, req)
		if !out.OK() {
			return thingResult(out)
		}
		return thingResult(out, "deviceId", id)
	})
}

func (h *DevicesHandler) pairDevice(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	var p addDeviceParams
	if err := call.Decode(&p); err != nil {
		return jsonrpc.InvalidParams(err)
	}
	req, err := p.request()
	if err != nil {
		return jsonrpc.InvalidParams(err)
	}
	return async(func() any {
		started, out := h.things.PairThing(ctx, req)
		if !out.OK() {
			return thingResult(out)
		}
		return thingResult(out,
			"pairingTransactionId", started.TransactionID,
			"displayMessage", started.DisplayMessage,
			"setupMethod", started.SetupMethod)
	})
}

func (h *DevicesHandler) confirmPairing(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	var req struct {
		TransactionID string `json:"pairingTransactionId"`
		Username      string `json:"username"`
		Secret        string `json:"secret"`
	}
	if err := call.Decode(&req); err != nil {
		return jsonrpc.InvalidParams(err)
	}
	if err := require("pairingTransactionId", req.TransactionID); err != nil {
		return jsonrpc.InvalidParams(err)
	}
	return async(func() any {
		id, out := h.things.ConfirmPairing(ctx, req.TransactionID, req.Username, req.Secret)
		if !out.OK() {
			return thingResult(out)
		}
		return thingResult(out, "deviceId", id)
	})
}

func (h *DevicesHandler) removeConfiguredDevice(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	var req struct {
		DeviceID     string `json:"deviceId"`
		RemovePolicy string `json:"removePolicy"`
	}
	if err := call.Decode(&req); err != nil {
		return jsonrpc.InvalidParams(err)
	}
	if err := require("deviceId", req.DeviceID); err != nil {
		return jsonrpc.InvalidParams(err)
	}
	if req.RemovePolicy != "" && req.RemovePolicy != RemovePolicyCascade {
		return jsonrpc.InvalidParams(fmt.Errorf("unsupported removePolicy %q", req.RemovePolicy))
	}
	return async(func() any {
		ruleIDs := h.rules.FindRules(req.DeviceID)
		if len(ruleIDs) > 0 && req.RemovePolicy != RemovePolicyCascade {
			return thingResult(failed(types.ThingErrorThingInRule, "used by %d rules", len(ruleIDs)), "ruleIds", ruleIDs)
		}
		out := h.things.RemoveThing(ctx, req.DeviceID)
		if !out.OK() {
			return thingResult(out)
		}
		if len(ruleIDs) > 0 {
			h.rules.CascadeThingRemoval(req.DeviceID)
		}
		return thingResult(out, "ruleIds", ruleIDs)
	})
}

func (h *DevicesHandler) getStateValue(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	var req struct {
		DeviceID    string `json:"deviceId"`
		StateTypeID string `json:"stateTypeId"`
	}
	if err := call.Decode(&req); err != nil {
		return jsonrpc.InvalidParams(err)
	}
	if err := require("deviceId", req.DeviceID, "stateTypeId", req.StateTypeID); err != nil {
		return jsonrpc.InvalidParams(err)
	}
	if _, found := h.things.Thing(req.DeviceID); !found {
		return jsonrpc.NewReply(thingResult(failed(types.ThingErrorThingNotFound, "thing %s", req.DeviceID)))
	}
	v, found := h.things.StateValue(req.DeviceID, req.StateTypeID)
	if !found {
		return jsonrpc.NewReply(thingResult(failed(types.ThingErrorStateTypeNotFound, "state %s", req.StateTypeID)))
	}
	return jsonrpc.NewReply(thingResult(success, "value", v))
}

func (h *DevicesHandler) getStateValues(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	var req struct {
		DeviceID string `json:"deviceId"`
	}
	if err := call.Decode(&req); err != nil {
		return jsonrpc.InvalidParams(err)
	}
	states, out := h.things.StateValues(req.DeviceID)
	if !out.OK() {
		return jsonrpc.NewReply(thingResult(out))
	}
	return jsonrpc.NewReply(thingResult(out, "values", states))
}

func (h *DevicesHandler) getPlugins(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	plugins := h.things.Plugins()
	if plugins == nil {
		plugins = []PluginInfo{}
	}
	return jsonrpc.NewReply(map[string]any{"plugins": plugins})
}

func (h *DevicesHandler) getPluginConfiguration(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	var req struct {
		PluginID string `json:"pluginId"`
	}
	if err := call.Decode(&req); err != nil {
		return jsonrpc.InvalidParams(err)
	}
	cfg, out := h.things.PluginConfig(req.PluginID)
	if !out.OK() {
		return jsonrpc.NewReply(thingResult(out))
	}
	if cfg == nil {
		cfg = types.ParamList{}
	}
	return jsonrpc.NewReply(thingResult(out, "configuration", cfg))
}

func (h *DevicesHandler) setPluginConfiguration(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	var req struct {
		PluginID      string          `json:"pluginId"`
		Configuration types.ParamList `json:"configuration"`
	}
	if err := call.Decode(&req); err != nil {
		return jsonrpc.InvalidParams(err)
	}
	if err := require("pluginId", req.PluginID); err != nil {
		return jsonrpc.InvalidParams(err)
	}
	return async(func() any {
		return thingResult(h.things.SetPluginConfig(ctx, req.PluginID, req.Configuration))
	})
}

func (h *DevicesHandler) setDeviceSettings(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	var req struct {
		DeviceID string          `json:"deviceId"`
		Settings types.ParamList `json:"settings"`
	}
	if err := call.Decode(&req); err != nil {
		return jsonrpc.InvalidParams(err)
	}
	return async(func() any {
		return thingResult(h.things.SetThingSettings(ctx, req.DeviceID, req.Settings))
	})
}

func (h *DevicesHandler) browseDevice(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	var req struct {
		DeviceID string `json:"deviceId"`
		ItemID   string `json:"itemId"`
	}
	if err := call.Decode(&req); err != nil {
		return jsonrpc.InvalidParams(err)
	}
	return async(func() any {
		items, out := h.things.Browse(ctx, req.DeviceID, req.ItemID)
		if items == nil {
			items = []types.BrowserItem{}
		}
		return thingResult(out, "items", items)
	})
}

func (h *DevicesHandler) executeBrowserItem(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	var req struct {
		DeviceID string `json:"deviceId"`
		ItemID   string `json:"itemId"`
	}
	if err := call.Decode(&req); err != nil {
		return jsonrpc.InvalidParams(err)
	}
	if err := require("itemId", req.ItemID); err != nil {
		return jsonrpc.InvalidParams(err)
	}
	return async(func() any {
		return thingResult(h.things.ExecuteBrowserItem(ctx, req.DeviceID, req.ItemID))
	})
}

func (h *DevicesHandler) thingClass(call *jsonrpc.Call) (types.ThingClass, *jsonrpc.Reply) {
	var req struct {
		ThingClassID string `json:"deviceClassId"`
	}
	if err := call.Decode(&req); err != nil {
		return types.ThingClass{}, jsonrpc.InvalidParams(err)
	}
	tc, found := h.things.Catalog().ThingClass(req.ThingClassID)
	if !found {
		return tc, jsonrpc.ErrorReply("Device class %s not found", req.ThingClassID)
	}
	return tc, nil
}

func (h *DevicesHandler) getEventTypes(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	tc, reply := h.thingClass(call)
	if reply != nil {
		return reply
	}
	return jsonrpc.NewReply(map[string]any{"eventTypes": orEmpty(tc.EventTypes)})
}

func (h *DevicesHandler) getStateTypes(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	tc, reply := h.thingClass(call)
	if reply != nil {
		return reply
	}
	return jsonrpc.NewReply(map[string]any{"stateTypes": orEmpty(tc.StateTypes)})
}

func (h *DevicesHandler) getActionTypes(ctx context.Context, call *jsonrpc.Call) *jsonrpc.Reply {
	tc, reply := h.thingClass(call)
	if reply != nil {
		return reply
	}
	return jsonrpc.NewReply(map[string]any{"actionTypes": orEmpty(tc.ActionTypes)})
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
