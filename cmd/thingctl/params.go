package main

import (
	"fmt"
	"strings"

	"thingrpc/internal/types"
)

// parseParams turns "key=value" arguments into a ParamList. Keys are param
// names or param type ids of pts; values are coerced to the declared type.
func parseParams(args []string, pts types.ParamTypes) (types.ParamList, error) {
	var out types.ParamList
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("param %q: want key=value", arg)
		}
		pt, found := pts.ByName(key)
		if !found {
			pt, found = pts.ByID(key)
		}
		if !found {
			return nil, fmt.Errorf("param %q: unknown, have %s", key, paramNames(pts))
		}
		v, err := pt.Coerce(raw)
		if err != nil {
			return nil, err
		}
		out.Set(pt.ID, v)
	}
	return out, nil
}

func paramNames(pts types.ParamTypes) string {
	if len(pts) == 0 {
		return "none"
	}
	names := make([]string, 0, len(pts))
	for _, pt := range pts {
		names = append(names, pt.Name)
	}
	return strings.Join(names, ", ")
}

// findActionType resolves an action by id or name. A writable state's name
// selects its implicit write action.
func findActionType(tc types.ThingClass, ref string) (types.ActionType, bool) {
	if at, ok := tc.ActionType(ref); ok {
		return at, true
	}
	for _, at := range tc.ActionTypes {
		if at.Name == ref {
			return at, true
		}
	}
	for _, st := range tc.StateTypes {
		if st.Name == ref {
			return tc.ActionType(st.ID)
		}
	}
	return types.ActionType{}, false
}
