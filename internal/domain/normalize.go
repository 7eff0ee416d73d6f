package domain

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Normalize repairs an arbitrary decoded JSON value into a structurally valid
// Catalog. It never fails: missing or malformed fields fall back to defaults,
// missing or duplicate ids are regenerated, and entries that are not objects
// are dropped. Ordering of the surviving entries is preserved.
func Normalize(raw any) Catalog {
	n := normalizer{projectIDs: map[string]struct{}{}, environmentIDs: map[string]struct{}{}}
	root, _ := raw.(map[string]any)
	items, _ := root["projects"].([]any)

	out := Catalog{Projects: make([]Project, 0, len(items))}
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out.Projects = append(out.Projects, n.project(obj))
	}
	return out
}

type normalizer struct {
	projectIDs     map[string]struct{}
	environmentIDs map[string]struct{}
}

func (n normalizer) project(obj map[string]any) Project {
	p := Project{
		ID:   claimID(n.projectIDs, idValue(obj["id"]), ProjectIDPrefix),
		Name: nameValue(obj["name"], DefaultProjectName),
	}
	items, _ := obj["environments"].([]any)
	p.Environments = make([]Environment, 0, len(items))
	for _, item := range items {
		envObj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		p.Environments = append(p.Environments, n.environment(envObj))
	}
	return p
}

func (n normalizer) environment(obj map[string]any) Environment {
	url, _ := obj["url"].(string)
	return Environment{
		ID:         claimID(n.environmentIDs, idValue(obj["id"]), EnvironmentIDPrefix),
		Name:       nameValue(obj["name"], DefaultEnvironmentName),
		URL:        url,
		LastStatus: normalizeStatus(obj["lastStatus"]),
	}
}

// claimID reserves candidate in used, generating a fresh id when candidate is
// empty or already taken.
func claimID(used map[string]struct{}, candidate, prefix string) string {
	if candidate != "" {
		if _, taken := used[candidate]; !taken {
			used[candidate] = struct{}{}
			return candidate
		}
	}
	for {
		id := NewID(prefix)
		if _, taken := used[id]; !taken {
			used[id] = struct{}{}
			return id
		}
	}
}

func idValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) || t == 0 {
			return ""
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	}
	return ""
}

func nameValue(v any, fallback string) string {
	s, _ := v.(string)
	if s = strings.TrimSpace(s); s == "" {
		return fallback
	}
	return s
}

func normalizeStatus(v any) ProbeResult {
	obj, ok := v.(map[string]any)
	if !ok {
		return UnknownResult()
	}
	result := UnknownResult()
	if state, ok := obj["state"].(string); ok && ProbeState(state).Valid() {
		result.State = ProbeState(state)
	}
	if code, ok := integerValue(obj["httpStatus"]); ok {
		result.HTTPStatus = &code
	}
	if s, ok := obj["checkedAt"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s)); err == nil {
			ts = ts.UTC()
			result.CheckedAt = &ts
		}
	}
	if detail, ok := obj["detail"].(string); ok {
		result.Detail = &detail
	}
	return result
}

func integerValue(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		if t != math.Trunc(t) || math.Abs(t) > math.MaxInt32 {
			return 0, false
		}
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		if err != nil || i > math.MaxInt32 || i < math.MinInt32 {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}
