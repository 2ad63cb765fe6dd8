package keytree

import "encoding/json"

// normalize turns any JSON-encodable value into the generic tree form
// (map[string]any, []any, float64, string, bool, nil).
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return prune(out), nil
}

func prune(n any) any {
	m, ok := n.(map[string]any)
	if !ok {
		return n
	}
	for k, c := range m {
		if p := prune(c); p == nil {
			delete(m, k)
		} else {
			m[k] = p
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func getNode(n any, segs []string) any {
	for _, s := range segs {
		m, ok := n.(map[string]any)
		if !ok {
			return nil
		}
		n = m[s]
	}
	return n
}

// setNode writes v at segs below n, mutating maps in place, and returns the
// new subtree. Writing nil deletes and prunes emptied parents.
func setNode(n any, segs []string, v any) any {
	if len(segs) == 0 {
		return v
	}
	m, ok := n.(map[string]any)
	if !ok {
		if v == nil {
			return n
		}
		m = make(map[string]any)
	}
	child := setNode(m[segs[0]], segs[1:], v)
	if child == nil {
		delete(m, segs[0])
	} else {
		m[segs[0]] = child
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// mergeFields applies an Update: each field (itself possibly a relative
// path) is set below n.
func mergeFields(n any, fields map[string]any) (any, error) {
	for f, v := range fields {
		segs, err := splitPath(f)
		if err != nil {
			return nil, err
		}
		nv, err := normalize(v)
		if err != nil {
			return nil, err
		}
		n = setNode(n, segs, nv)
	}
	return n, nil
}

func related(a, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
