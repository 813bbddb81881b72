//go:build !no_mqtt

// Package mqtt mirrors things, their states and events to an MQTT broker and
// accepts state writes and actions from it.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"thingrpc/internal/core"
	"thingrpc/internal/types"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	// Discovery publishes Home Assistant discovery entities for every thing.
	Discovery bool
}

// ThingSource is the part of the thing manager the bridge reads from and
// sends commands to.
type ThingSource interface {
	Catalog() *types.Catalog
	Things() []*types.Thing
	ThingClassOf(thingID string) (types.ThingClass, bool)
	ExecuteAction(ctx context.Context, a types.Action) core.Outcome
}

// Bridge connects the core event bus to MQTT.
type Bridge struct {
	client    pahomqtt.Client
	things    ThingSource
	bus       *core.EventBus
	prefix    string
	discovery bool
	logger    *slog.Logger
	unsub     func()
	ctx       context.Context
	cancel    context.CancelFunc

	commandTimeout time.Duration

	// Per-thing state document and the discovery topics published for it.
	mu         sync.Mutex
	states     map[string]map[string]any
	discovered map[string][]string

	send func(topic string, payload []byte, retained bool)
}

func newBridge(things ThingSource, bus *core.EventBus, cfg Config, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "thingrpc"
	}
	return &Bridge{
		things:         things,
		bus:            bus,
		prefix:         prefix,
		discovery:      cfg.Discovery,
		logger:         logger.With("component", "mqtt"),
		ctx:            ctx,
		cancel:         cancel,
		commandTimeout: 10 * time.Second,
		states:         make(map[string]map[string]any),
		discovered:     make(map[string][]string),
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(things ThingSource, bus *core.EventBus, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(things, bus, cfg, logger)
	b.send = b.publishMQTT

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "thingd"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.prefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAll()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// The connect handler may fire before Connect returns.
	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to core events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.bus.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	if b.client != nil {
		b.client.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

func thingTopic(prefix, thingID string) string {
	return prefix + "/devices/" + thingID
}

func (b *Bridge) handleEvent(event core.Event) {
	switch data := event.Data.(type) {
	case core.ThingAdded:
		b.publishThing(data.Thing)
	case core.ThingRemoved:
		b.removeThing(data.ThingID)
	case core.StateChanged:
		b.updateAndPublishState(data.ThingID, data.StateTypeID, data.Value)
	case core.EventTriggered:
		b.publishEvent(data.Event)
	case core.RuleActiveChanged:
		b.publish(b.prefix+"/rules/"+data.RuleID+"/active", []byte(strconv.FormatBool(data.Active)), true)
	case core.RuleRemoved:
		b.publish(b.prefix+"/rules/"+data.RuleID+"/active", nil, true)
	}
}

// publishThing publishes the thing's discovery entities and its full state
// document.
func (b *Bridge) publishThing(t *types.Thing) {
	if t == nil {
		return
	}
	tc, ok := b.things.ThingClassOf(t.ID)
	if !ok {
		b.logger.Warn("thing class unknown", "device", t.ID, "class", t.ThingClassID)
		return
	}

	state := make(map[string]any, len(t.States))
	for _, s := range t.States {
		state[stateKeyOf(tc, s.StateTypeID)] = s.Value
	}

	var msgs []discoveryMsg
	if b.discovery {
		vendor := ""
		if v, ok := b.things.Catalog().Vendor(tc.VendorID); ok {
			vendor = v.Name
		}
		msgs = buildDiscovery(t, tc, b.prefix, vendor)
	}

	b.mu.Lock()
	b.states[t.ID] = state
	if b.discovery {
		topics := make([]string, 0, len(msgs))
		for _, m := range msgs {
			topics = append(topics, m.Topic)
		}
		b.discovered[t.ID] = topics
	}
	payload := mustJSON(state)
	b.mu.Unlock()

	for _, m := range msgs {
		b.publish(m.Topic, m.Payload, true)
	}
	b.publish(thingTopic(b.prefix, t.ID), payload, true)
	b.publish(thingTopic(b.prefix, t.ID)+"/info", mustJSON(t), true)
	if len(msgs) > 0 {
		b.logger.Info("published HA discovery", "device", t.ID, "name", t.Name)
	}
}

func (b *Bridge) removeThing(id string) {
	b.mu.Lock()
	topics := b.discovered[id]
	delete(b.discovered, id)
	delete(b.states, id)
	b.mu.Unlock()

	for _, m := range removeDiscovery(topics) {
		b.publish(m.Topic, m.Payload, true)
	}
	b.publish(thingTopic(b.prefix, id), nil, true)
	b.publish(thingTopic(b.prefix, id)+"/info", nil, true)
}

func stateKeyOf(tc types.ThingClass, stateTypeID string) string {
	for _, st := range tc.StateTypes {
		if st.ID == stateTypeID {
			return stateKey(st)
		}
	}
	return stateTypeID
}

func (b *Bridge) updateAndPublishState(thingID, stateTypeID string, value any) {
	key := stateTypeID
	if tc, ok := b.things.ThingClassOf(thingID); ok {
		key = stateKeyOf(tc, stateTypeID)
	}

	b.mu.Lock()
	state, ok := b.states[thingID]
	if !ok {
		state = make(map[string]any)
		b.states[thingID] = state
	}
	state[key] = value
	payload := mustJSON(state)
	b.mu.Unlock()

	b.publish(thingTopic(b.prefix, thingID), payload, true)
}

// publishEvent sends an event with its params keyed by name. Events are not
// retained.
func (b *Bridge) publishEvent(ev types.Event) {
	name := ev.EventTypeID
	var et types.EventType
	if found, ok := b.things.Catalog().EventType(ev.EventTypeID); ok {
		et = found
		if et.Name != "" {
			name = et.Name
		}
	}
	params := make(map[string]any, len(ev.Params))
	for _, p := range ev.Params {
		key := p.ParamTypeID
		if pt, ok := et.ParamTypes.ByID(p.ParamTypeID); ok && pt.Name != "" {
			key = pt.Name
		} else if key == "" {
			key = p.Name
		}
		params[key] = p.Value
	}
	b.publish(thingTopic(b.prefix, ev.ThingID)+"/events/"+objectID(name), mustJSON(params), false)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAll() {
	for _, t := range b.things.Things() {
		b.publishThing(t)
	}
}

func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/devices/+/set"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		id, ok := commandThingID(b.prefix, msg.Topic())
		if !ok {
			return
		}
		b.handleCommand(id, msg.Payload())
	})
}

// commandThingID extracts the thing id from "<prefix>/devices/<id>/set".
func commandThingID(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/devices/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/set")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// command is the JSON accepted on a thing's set topic. Keys other than
// "action" and "params" name writable states.
type command struct {
	Action string
	Params map[string]any
	States map[string]any
}

func parseCommand(payload []byte) (command, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return command{}, err
	}
	cmd := command{States: make(map[string]any)}
	for k, v := range raw {
		switch k {
		case "action":
			s, ok := v.(string)
			if !ok {
				return command{}, fmt.Errorf("action must be a string")
			}
			cmd.Action = s
		case "params":
			m, ok := v.(map[string]any)
			if !ok {
				return command{}, fmt.Errorf("params must be an object")
			}
			cmd.Params = m
		default:
			cmd.States[k] = v
		}
	}
	return cmd, nil
}

// actions turns a command into actions on a thing of class tc.
func (cmd command) actions(thingID string, tc types.ThingClass) ([]types.Action, error) {
	var out []types.Action
	for key, v := range cmd.States {
		st, ok := findStateType(tc, key)
		if !ok || !st.Writable {
			return nil, fmt.Errorf("state %q is not writable", key)
		}
		out = append(out, types.Action{
			ThingID:      thingID,
			ActionTypeID: st.ID,
			Params:       types.ParamList{{ParamTypeID: st.ID, Value: v}},
		})
	}
	if cmd.Action == "" {
		return out, nil
	}
	at, ok := findActionType(tc, cmd.Action)
	if !ok {
		return nil, fmt.Errorf("unknown action %q", cmd.Action)
	}
	a := types.Action{ThingID: thingID, ActionTypeID: at.ID}
	for key, v := range cmd.Params {
		id := key
		if pt, ok := at.ParamTypes.ByName(key); ok {
			id = pt.ID
		}
		a.Params = append(a.Params, types.Param{ParamTypeID: id, Value: v})
	}
	return append(out, a), nil
}

func findStateType(tc types.ThingClass, key string) (types.StateType, bool) {
	for _, st := range tc.StateTypes {
		if st.ID == key || st.Name == key {
			return st, true
		}
	}
	return types.StateType{}, false
}

func findActionType(tc types.ThingClass, key string) (types.ActionType, bool) {
	for _, at := range tc.ActionTypes {
		if at.ID == key || at.Name == key {
			return at, true
		}
	}
	return types.ActionType{}, false
}

func (b *Bridge) handleCommand(thingID string, payload []byte) {
	tc, ok := b.things.ThingClassOf(thingID)
	if !ok {
		b.logger.Warn("command for unknown device", "device", thingID)
		return
	}
	cmd, err := parseCommand(payload)
	if err != nil {
		b.logger.Warn("invalid command JSON", "device", thingID, "err", err)
		return
	}
	actions, err := cmd.actions(thingID, tc)
	if err != nil {
		b.logger.Warn("invalid command", "device", thingID, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.commandTimeout)
	defer cancel()
	for _, a := range actions {
		if out := b.things.ExecuteAction(ctx, a); !out.OK() {
			b.logger.Warn("command failed", "device", thingID, "action", a.ActionTypeID,
				"code", out.Code, "msg", out.Message)
		}
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	b.send(topic, payload, retained)
}

func (b *Bridge) publishMQTT(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
