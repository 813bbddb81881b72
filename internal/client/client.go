// Package client is a typed API over a protocol connection. Domain outcomes
// (deviceError, ruleError) are returned as codes next to the Go error, which
// is reserved for transport and protocol failures.
package client

import (
	"context"
	"log/slog"

	"thingrpc/internal/core"
	"thingrpc/internal/jsonrpc"
	"thingrpc/internal/pairing"
	"thingrpc/internal/types"
)

// Client talks to one server.
type Client struct {
	conn   *jsonrpc.Conn
	logger *slog.Logger
}

var _ pairing.API = (*Client)(nil)

// New wraps a started connection.
func New(conn *jsonrpc.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, logger: logger.With("component", "client")}
}

// Conn returns the underlying connection, for notifications.
func (c *Client) Conn() *jsonrpc.Conn { return c.conn }

// thingReply is the common part of every Devices/Actions answer.
type thingReply struct {
	DeviceError    types.ThingError `json:"deviceError"`
	DisplayMessage string           `json:"displayMessage"`
}

func (r thingReply) code() types.ThingError {
	if r.DeviceError == "" {
		return types.ThingErrorNoError
	}
	return r.DeviceError
}

// Vendors lists the supported vendors.
func (c *Client) Vendors(ctx context.Context) ([]types.Vendor, error) {
	var reply struct {
		Vendors []types.Vendor `json:"vendors"`
	}
	if err := c.conn.Request(ctx, "Devices.GetSupportedVendors", nil, &reply); err != nil {
		return nil, err
	}
	return reply.Vendors, nil
}

// ThingClasses lists the classes of a vendor, every class when vendorID is
// empty.
func (c *Client) ThingClasses(ctx context.Context, vendorID string) ([]types.ThingClass, types.ThingError, error) {
	var reply struct {
		thingReply
		Classes []types.ThingClass `json:"deviceClasses"`
	}
	params := map[string]any{}
	if vendorID != "" {
		params["vendorId"] = vendorID
	}
	if err := c.conn.Request(ctx, "Devices.GetSupportedDevices", params, &reply); err != nil {
		return nil, "", err
	}
	return reply.Classes, reply.code(), nil
}

// ThingClass looks one class up in the full class list.
func (c *Client) ThingClass(ctx context.Context, id string) (types.ThingClass, bool, error) {
	classes, _, err := c.ThingClasses(ctx, "")
	if err != nil {
		return types.ThingClass{}, false, err
	}
	for _, tc := range classes {
		if tc.ID == id {
			return tc, true, nil
		}
	}
	return types.ThingClass{}, false, nil
}

// Things lists the configured things.
func (c *Client) Things(ctx context.Context) ([]types.Thing, error) {
	var reply struct {
		Devices []types.Thing `json:"devices"`
	}
	if err := c.conn.Request(ctx, "Devices.GetConfiguredDevices", nil, &reply); err != nil {
		return nil, err
	}
	return reply.Devices, nil
}

// Thing returns one configured thing.
func (c *Client) Thing(ctx context.Context, id string) (types.Thing, bool, error) {
	var reply struct {
		Devices []types.Thing `json:"devices"`
	}
	if err := c.conn.Request(ctx, "Devices.GetConfiguredDevices", map[string]any{"deviceId": id}, &reply); err != nil {
		return types.Thing{}, false, err
	}
	if len(reply.Devices) == 0 {
		return types.Thing{}, false, nil
	}
	return reply.Devices[0], true, nil
}

// Discover runs a discovery. It implements pairing.API.
func (c *Client) Discover(ctx context.Context, thingClassID string, params types.ParamList) ([]types.ThingDescriptor, types.ThingError, error) {
	var reply struct {
		thingReply
		Descriptors []types.ThingDescriptor `json:"deviceDescriptors"`
	}
	req := map[string]any{"deviceClassId": thingClassID}
	if len(params) > 0 {
		req["discoveryParams"] = params
	}
	if err := c.conn.Request(ctx, "Devices.GetDiscoveredDevices", req, &reply); err != nil {
		return nil, "", err
	}
	return reply.Descriptors, reply.code(), nil
}

type addReply struct {
	thingReply
	DeviceID string `json:"deviceId"`
}

// AddThing adds a thing of a just-add class from params.
func (c *Client) AddThing(ctx context.Context, thingClassID, name string, params types.ParamList) (string, types.ThingError, error) {
	var reply addReply
	req := map[string]any{"deviceClassId": thingClassID, "name": name, "deviceParams": params}
	if err := c.conn.Request(ctx, "Devices.AddConfiguredDevice", req, &reply); err != nil {
		return "", "", err
	}
	return reply.DeviceID, reply.code(), nil
}

// AddDiscovered adds a discovered descriptor. It implements pairing.API.
func (c *Client) AddDiscovered(ctx context.Context, thingClassID, descriptorID, name string) (string, types.ThingError, error) {
	var reply addReply
	req := map[string]any{"deviceClassId": thingClassID, "deviceDescriptorId": descriptorID}
	if name != "" {
		req["name"] = name
	}
	if err := c.conn.Request(ctx, "Devices.AddConfiguredDevice", req, &reply); err != nil {
		return "", "", err
	}
	return reply.DeviceID, reply.code(), nil
}

// PairDevice starts pairing a discovered descriptor. It implements
// pairing.API.
func (c *Client) PairDevice(ctx context.Context, thingClassID, descriptorID, name string) (pairing.PairingStart, error) {
	var reply struct {
		thingReply
		TransactionID string            `json:"pairingTransactionId"`
		SetupMethod   types.SetupMethod `json:"setupMethod"`
	}
	req := map[string]any{"deviceClassId": thingClassID}
	if descriptorID != "" {
		req["deviceDescriptorId"] = descriptorID
	}
	if name != "" {
		req["name"] = name
	}
	if err := c.conn.Request(ctx, "Devices.PairDevice", req, &reply); err != nil {
		return pairing.PairingStart{}, err
	}
	return pairing.PairingStart{
		TransactionID:  reply.TransactionID,
		DisplayMessage: reply.DisplayMessage,
		SetupMethod:    reply.SetupMethod,
		ThingError:     reply.code(),
	}, nil
}

// ConfirmPairing finishes a pairing transaction. It implements pairing.API.
func (c *Client) ConfirmPairing(ctx context.Context, transactionID, username, secret string) (string, types.ThingError, error) {
	var reply addReply
	req := map[string]any{"pairingTransactionId": transactionID}
	if username != "" {
		req["username"] = username
	}
	if secret != "" {
		req["secret"] = secret
	}
	if err := c.conn.Request(ctx, "Devices.ConfirmPairing", req, &reply); err != nil {
		return "", "", err
	}
	if !reply.code().OK() && reply.DisplayMessage != "" {
		c.logger.Info("pairing not confirmed", "code", reply.code(), "msg", reply.DisplayMessage)
	}
	return reply.DeviceID, reply.code(), nil
}

// RemoveThing removes a thing. With cascade, rules using it are updated;
// without, a thing in rules is refused and the rule ids are returned.
func (c *Client) RemoveThing(ctx context.Context, id string, cascade bool) ([]string, types.ThingError, error) {
	var reply struct {
		thingReply
		RuleIDs []string `json:"ruleIds"`
	}
	req := map[string]any{"deviceId": id}
	if cascade {
		req["removePolicy"] = core.RemovePolicyCascade
	}
	if err := c.conn.Request(ctx, "Devices.RemoveConfiguredDevice", req, &reply); err != nil {
		return nil, "", err
	}
	return reply.RuleIDs, reply.code(), nil
}

// StateValue reads one state.
func (c *Client) StateValue(ctx context.Context, thingID, stateTypeID string) (any, types.ThingError, error) {
	var reply struct {
		thingReply
		Value any `json:"value"`
	}
	req := map[string]any{"deviceId": thingID, "stateTypeId": stateTypeID}
	if err := c.conn.Request(ctx, "Devices.GetStateValue", req, &reply); err != nil {
		return nil, "", err
	}
	return reply.Value, reply.code(), nil
}

// StateValues reads every state of a thing.
func (c *Client) StateValues(ctx context.Context, thingID string) ([]types.State, types.ThingError, error) {
	var reply struct {
		thingReply
		Values []types.State `json:"values"`
	}
	if err := c.conn.Request(ctx, "Devices.GetStateValues", map[string]any{"deviceId": thingID}, &reply); err != nil {
		return nil, "", err
	}
	return reply.Values, reply.code(), nil
}

// ExecuteAction runs an action.
func (c *Client) ExecuteAction(ctx context.Context, a types.Action) (types.ThingError, error) {
	var reply thingReply
	if err := c.conn.Request(ctx, "Actions.ExecuteAction", a, &reply); err != nil {
		return "", err
	}
	return reply.code(), nil
}

// Plugins lists the running integrations.
func (c *Client) Plugins(ctx context.Context) ([]core.PluginInfo, error) {
	var reply struct {
		Plugins []core.PluginInfo `json:"plugins"`
	}
	if err := c.conn.Request(ctx, "Devices.GetPlugins", nil, &reply); err != nil {
		return nil, err
	}
	return reply.Plugins, nil
}

// PluginConfig reads the configuration of an integration.
func (c *Client) PluginConfig(ctx context.Context, pluginID string) (types.ParamList, types.ThingError, error) {
	var reply struct {
		thingReply
		Configuration types.ParamList `json:"configuration"`
	}
	if err := c.conn.Request(ctx, "Devices.GetPluginConfiguration", map[string]any{"pluginId": pluginID}, &reply); err != nil {
		return nil, "", err
	}
	return reply.Configuration, reply.code(), nil
}

// SetPluginConfig replaces the configuration of an integration.
func (c *Client) SetPluginConfig(ctx context.Context, pluginID string, cfg types.ParamList) (types.ThingError, error) {
	var reply thingReply
	req := map[string]any{"pluginId": pluginID, "configuration": cfg}
	if err := c.conn.Request(ctx, "Devices.SetPluginConfiguration", req, &reply); err != nil {
		return "", err
	}
	return reply.code(), nil
}

// SetThingSettings changes settings of a thing.
func (c *Client) SetThingSettings(ctx context.Context, thingID string, settings types.ParamList) (types.ThingError, error) {
	var reply thingReply
	req := map[string]any{"deviceId": thingID, "settings": settings}
	if err := c.conn.Request(ctx, "Devices.SetDeviceSettings", req, &reply); err != nil {
		return "", err
	}
	return reply.code(), nil
}

// Browse lists the browser items below itemID.
func (c *Client) Browse(ctx context.Context, thingID, itemID string) ([]types.BrowserItem, types.ThingError, error) {
	var reply struct {
		thingReply
		Items []types.BrowserItem `json:"items"`
	}
	req := map[string]any{"deviceId": thingID}
	if itemID != "" {
		req["itemId"] = itemID
	}
	if err := c.conn.Request(ctx, "Devices.BrowseDevice", req, &reply); err != nil {
		return nil, "", err
	}
	return reply.Items, reply.code(), nil
}

// ExecuteBrowserItem runs a browser item.
func (c *Client) ExecuteBrowserItem(ctx context.Context, thingID, itemID string) (types.ThingError, error) {
	var reply thingReply
	req := map[string]any{"deviceId": thingID, "itemId": itemID}
	if err := c.conn.Request(ctx, "Devices.ExecuteBrowserItem", req, &reply); err != nil {
		return "", err
	}
	return reply.code(), nil
}

// ActionType looks up an action type by id.
func (c *Client) ActionType(ctx context.Context, id string) (types.ActionType, types.ThingError, error) {
	var reply struct {
		thingReply
		ActionType types.ActionType `json:"actionType"`
	}
	if err := c.conn.Request(ctx, "Actions.GetActionType", map[string]any{"actionTypeId": id}, &reply); err != nil {
		return types.ActionType{}, "", err
	}
	return reply.ActionType, reply.code(), nil
}

// EventType looks up an event type by id.
func (c *Client) EventType(ctx context.Context, id string) (types.EventType, types.ThingError, error) {
	var reply struct {
		thingReply
		EventType types.EventType `json:"eventType"`
	}
	if err := c.conn.Request(ctx, "Events.GetEventType", map[string]any{"eventTypeId": id}, &reply); err != nil {
		return types.EventType{}, "", err
	}
	return reply.EventType, reply.code(), nil
}

// StateType looks up a state type by id.
func (c *Client) StateType(ctx context.Context, id string) (types.StateType, types.ThingError, error) {
	var reply struct {
		thingReply
		StateType types.StateType `json:"stateType"`
	}
	if err := c.conn.Request(ctx, "States.GetStateType", map[string]any{"stateTypeId": id}, &reply); err != nil {
		return types.StateType{}, "", err
	}
	return reply.StateType, reply.code(), nil
}

// LookupMac resolves the vendor of a MAC address.
func (c *Client) LookupMac(ctx context.Context, mac string) (string, bool, error) {
	var reply struct {
		Found  bool   `json:"found"`
		Vendor string `json:"vendor"`
	}
	if err := c.conn.Request(ctx, "Vendors.LookupMac", map[string]any{"mac": mac}, &reply); err != nil {
		return "", false, err
	}
	return reply.Vendor, reply.Found, nil
}

// SetNotifications enables or disables notifications, limited to the given
// namespaces when any are named.
func (c *Client) SetNotifications(ctx context.Context, enabled bool, namespaces ...string) error {
	req := map[string]any{"enabled": enabled}
	if len(namespaces) > 0 {
		req["namespaces"] = namespaces
	}
	return c.conn.Request(ctx, "JSONRPC.SetNotificationStatus", req, nil)
}
