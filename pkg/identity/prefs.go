package identity

// Prefs is the user's preference blob: nested string-keyed maps with scalar
// or array leaves.
type Prefs map[string]any

// DefaultPrefs seeds a fresh registration.
func DefaultPrefs() Prefs {
	return Prefs{
		"notifications": map[string]any{
			"email_alerts":    true,
			"security_alerts": true,
		},
		"display": map[string]any{
			"theme":    "system",
			"timezone": "UTC",
		},
	}
}

// Merge applies patch onto base and returns the result without mutating
// either. The merge law: maps merge recursively, arrays and scalars are
// replaced whole, an explicit null deletes the key. Merge is idempotent:
// merge(a, merge(a, b)) == merge(a, b).
func Merge(base, patch Prefs) Prefs {
	out := make(Prefs, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		patchMap, patchIsMap := asMap(v)
		baseMap, baseIsMap := asMap(out[k])
		if patchIsMap && baseIsMap {
			out[k] = map[string]any(Merge(Prefs(baseMap), Prefs(patchMap)))
			continue
		}
		out[k] = v
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Prefs:
		return m, true
	default:
		return nil, false
	}
}
