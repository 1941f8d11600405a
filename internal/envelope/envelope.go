// Copyright 2025 James Ross
package envelope

import "encoding/json"

// Envelope is the persisted shape of every card's output (spec §4.A).
// Data is the final semantic payload; Stream accumulates per-field,
// per-section text as card.delta events arrive.
type Envelope struct {
	Data   any                        `json:"data"`
	Stream map[string]StreamField     `json:"stream"`
}

// StreamField holds the declared format and the accumulated section text
// for one streamed output field.
type StreamField struct {
	Format   string            `json:"format"`
	Sections map[string]string `json:"sections"`
}

// Ensure normalizes an arbitrary payload into an Envelope. Legacy payloads
// that are a plain object are wrapped as {data: payload, stream: {}}.
// Ensure(Ensure(x)) == Ensure(x) — the round-trip invariant from spec §8.
func Ensure(payload any) Envelope {
	if env, ok := payload.(Envelope); ok {
		return ensureStream(env)
	}
	if m, ok := payload.(map[string]any); ok {
		if env, ok := fromMap(m); ok {
			return ensureStream(env)
		}
	}
	return Envelope{Data: payload, Stream: map[string]StreamField{}}
}

func ensureStream(env Envelope) Envelope {
	if env.Stream == nil {
		env.Stream = map[string]StreamField{}
	}
	return env
}

// fromMap recognizes a map already shaped like {"data":..., "stream":...}
// and reconstructs it as an Envelope instead of double-wrapping.
func fromMap(m map[string]any) (Envelope, bool) {
	data, hasData := m["data"]
	streamRaw, hasStream := m["stream"]
	if !hasData || !hasStream {
		return Envelope{}, false
	}
	streamMap, ok := streamRaw.(map[string]any)
	if !ok {
		if streamRaw == nil {
			return Envelope{Data: data, Stream: map[string]StreamField{}}, true
		}
		return Envelope{}, false
	}
	out := map[string]StreamField{}
	for field, v := range streamMap {
		fm, ok := v.(map[string]any)
		if !ok {
			continue
		}
		sf := StreamField{Sections: map[string]string{}}
		if f, ok := fm["format"].(string); ok {
			sf.Format = f
		}
		if secs, ok := fm["sections"].(map[string]any); ok {
			for k, sv := range secs {
				if s, ok := sv.(string); ok {
					sf.Sections[k] = s
				}
			}
		}
		out[field] = sf
	}
	return Envelope{Data: data, Stream: out}, true
}

// ExtractParts returns the (data, stream) pair, running the payload through
// Ensure first so callers never special-case legacy shapes.
func ExtractParts(payload any) (any, map[string]StreamField) {
	env := Ensure(payload)
	return env.Data, env.Stream
}

// ApplyDelta appends text to one field/section of the envelope's stream and
// returns the updated envelope (value replacement, never in-place mutation,
// per spec §4.B / §9 "JSON mutation traps").
func ApplyDelta(env Envelope, field, section, format, text string) Envelope {
	out := Envelope{Data: env.Data, Stream: map[string]StreamField{}}
	for k, v := range env.Stream {
		out.Stream[k] = StreamField{Format: v.Format, Sections: copySections(v.Sections)}
	}
	sf, ok := out.Stream[field]
	if !ok {
		sf = StreamField{Format: format, Sections: map[string]string{}}
	}
	if sf.Format == "" {
		sf.Format = format
	}
	sf.Sections[section] = sf.Sections[section] + text
	out.Stream[field] = sf
	return out
}

func copySections(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// IsFallback reports whether a data payload already carries _meta.fallback=true.
func IsFallback(data any) bool {
	m, ok := data.(map[string]any)
	if !ok {
		return false
	}
	meta, ok := m["_meta"].(map[string]any)
	if !ok {
		return false
	}
	v, _ := meta["fallback"].(bool)
	return v
}

// AppendUnion implements card.append's dedup_key semantics (spec §8): the
// resulting list is the unique-by-key union of prior items and incoming
// items, preserving the order they were first seen.
func AppendUnion(prior, incoming []any, dedupKey string) []any {
	if dedupKey == "" {
		return append(append([]any{}, prior...), incoming...)
	}
	seen := make(map[string]struct{}, len(prior)+len(incoming))
	out := make([]any, 0, len(prior)+len(incoming))
	add := func(item any) {
		key, ok := keyOf(item, dedupKey)
		if !ok {
			out = append(out, item)
			return
		}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	for _, item := range prior {
		add(item)
	}
	for _, item := range incoming {
		add(item)
	}
	return out
}

func keyOf(item any, dedupKey string) (string, bool) {
	m, ok := item.(map[string]any)
	if !ok {
		return "", false
	}
	v, ok := m[dedupKey]
	if !ok {
		return "", false
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(b), true
}
