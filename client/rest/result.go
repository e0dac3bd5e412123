package rest

// Request echoes the envelope that produced a Result, so callers can log
// failures with full context and without extra bookkeeping.
type Request struct {
	ID      string
	Method  string
	URL     string
	Params  map[string]interface{}
	JSON    map[string]interface{}
	Headers map[string]string
}

// Result pairs the decoded response body with the request that produced it.
// Data is the raw decoded JSON: a map, a slice, or nil for empty bodies.
type Result struct {
	Data    interface{}
	Request Request
}

// WithData returns a shallow copy of the Result carrying new data, leaving
// the original untouched. Wrappers use it to enrich responses.
func (r Result) WithData(data interface{}) Result {
	r.Data = data
	return r
}

// FilterNone recursively removes nil-valued entries from a map, returning a
// new map. Nested maps are filtered the same way; non-map values pass
// through unchanged. A nil input yields nil.
func FilterNone(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if v == nil {
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = FilterNone(nested)
			continue
		}
		out[k] = v
	}
	return out
}
