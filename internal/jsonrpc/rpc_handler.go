package jsonrpc

import (
	"context"
	"sort"
)

// rpcHandler serves the built-in JSONRPC namespace.
type rpcHandler struct {
	s *Server
}

func (h *rpcHandler) Name() string { return "JSONRPC" }

func (h *rpcHandler) Methods() map[string]Method {
	return map[string]Method{
		"Hello": {
			Fn:          h.hello,
			Description: "Returns the welcome message sent on connection.",
			Returns: map[string]any{
				"server": "String", "name": "String", "version": "String", "uuid": "Uuid",
				"locale": "String", "protocol version": "String",
			},
		},
		"Introspect": {
			Fn:          h.introspect,
			Description: "Returns the catalogue of methods, notifications and types.",
			Returns:     map[string]any{"methods": "Object", "notifications": "Object", "types": "Object"},
		},
		"Version": {
			Fn:          h.version,
			Description: "Returns the server and protocol version.",
			Returns:     map[string]any{"version": "String", "protocol version": "String"},
		},
		"SetNotificationStatus": {
			Fn:          h.setNotificationStatus,
			Description: "Enables or disables notifications for this connection, optionally per namespace.",
			Params:      map[string]any{"o:enabled": "Bool", "o:namespaces": "StringList"},
			Returns:     map[string]any{"enabled": "Bool", "namespaces": "StringList"},
		},
	}
}

func (h *rpcHandler) Notifications() map[string]NotificationDesc {
	return nil
}

func (h *rpcHandler) hello(ctx context.Context, call *Call) *Reply {
	return NewReply(h.s.welcome())
}

func (h *rpcHandler) introspect(ctx context.Context, call *Call) *Reply {
	return NewReply(h.s.introspect())
}

func (h *rpcHandler) version(ctx context.Context, call *Call) *Reply {
	return NewReply(map[string]string{
		"version":          h.s.info.Version,
		"protocol version": ProtocolVersion,
	})
}

func (h *rpcHandler) setNotificationStatus(ctx context.Context, call *Call) *Reply {
	var req struct {
		Enabled    *bool    `json:"enabled"`
		Namespaces []string `json:"namespaces"`
	}
	if err := call.Decode(&req); err != nil {
		return InvalidParams(err)
	}
	c := h.s.client(call.ClientID)
	if c == nil {
		return ErrorReply("Unknown client")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if req.Enabled != nil {
		c.notify = *req.Enabled
	}
	if req.Namespaces != nil {
		c.namespaces = make(map[string]bool, len(req.Namespaces))
		for _, ns := range req.Namespaces {
			c.namespaces[ns] = true
		}
		// Selecting namespaces implies enabling them.
		if req.Enabled == nil {
			c.notify = true
		}
	}

	namespaces := []string{}
	if c.notify {
		if c.namespaces == nil {
			h.s.handlerMu.RLock()
			for name, handler := range h.s.handlers {
				if len(handler.Notifications()) > 0 {
					namespaces = append(namespaces, name)
				}
			}
			h.s.handlerMu.RUnlock()
		} else {
			for ns := range c.namespaces {
				namespaces = append(namespaces, ns)
			}
		}
	}
	sort.Strings(namespaces)
	return NewReply(map[string]any{"enabled": c.notify, "namespaces": namespaces})
}
