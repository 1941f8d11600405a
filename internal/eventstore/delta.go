// Copyright 2025 James Ross
package eventstore

import (
	"strings"

	"github.com/cardforge/runtime/internal/envelope"
)

// applyAppendToData implements the card.append path-based list-growth
// semantics (spec §8 "card.append onto a non-list field"): the target path
// is resolved inside env.Data (defaulting to "items", stripping a leading
// "data." prefix), the existing value there is treated as a list (a
// non-list value is silently replaced, matching DESIGN.md's Open Question
// #2 resolution), and the incoming items are unioned in using dedup_key.
func applyAppendToData(data any, p AppendPayload) any {
	root, ok := data.(map[string]any)
	if !ok || root == nil {
		root = map[string]any{}
	} else {
		root = copyMap(root)
	}

	path := strings.TrimSpace(p.Path)
	if path == "" {
		path = "items"
	}
	path = strings.TrimPrefix(path, "data.")
	keys := splitNonEmpty(path, ".")
	if len(keys) == 0 {
		keys = []string{"items"}
	}

	parent := root
	for _, k := range keys[:len(keys)-1] {
		cur, ok := parent[k].(map[string]any)
		if !ok {
			cur = map[string]any{}
		} else {
			cur = copyMap(cur)
		}
		parent[k] = cur
		parent = cur
	}

	leaf := keys[len(keys)-1]
	existing := toAnySlice(parent[leaf])

	dedupKey := strings.TrimSpace(p.DedupKey)
	if dedupKey == "" {
		dedupKey = "id"
	}
	parent[leaf] = envelope.AppendUnion(existing, p.Items, dedupKey)

	if p.Cursor != nil {
		root["cursor"] = p.Cursor
	}
	if p.Partial != nil {
		root["partial"] = *p.Partial
	}
	return root
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toAnySlice(v any) []any {
	if list, ok := v.([]any); ok {
		return list
	}
	return nil
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
