package flow

// Attributes is a string map that remembers insertion order.
type Attributes struct {
	keys   []string
	values map[string]string
}

func NewAttributes() *Attributes {
	return &Attributes{values: make(map[string]string)}
}

func (a *Attributes) Get(key string) (string, bool) {
	v, ok := a.values[key]
	return v, ok
}

// Put sets key. An existing key keeps its position.
func (a *Attributes) Put(key, value string) {
	if _, ok := a.values[key]; !ok {
		a.keys = append(a.keys, key)
	}
	a.values[key] = value
}

func (a *Attributes) Remove(key string) bool {
	if _, ok := a.values[key]; !ok {
		return false
	}
	delete(a.values, key)
	for i, k := range a.keys {
		if k == key {
			a.keys = append(a.keys[:i:i], a.keys[i+1:]...)
			break
		}
	}
	return true
}

func (a *Attributes) Len() int { return len(a.keys) }

// Keys returns keys in insertion order.
func (a *Attributes) Keys() []string {
	return append([]string(nil), a.keys...)
}

// Range calls fn in insertion order until it returns false.
func (a *Attributes) Range(fn func(key, value string) bool) {
	for _, k := range a.keys {
		if !fn(k, a.values[k]) {
			return
		}
	}
}

// Map returns an unordered copy.
func (a *Attributes) Map() map[string]string {
	out := make(map[string]string, len(a.values))
	for k, v := range a.values {
		out[k] = v
	}
	return out
}

func (a *Attributes) Clone() *Attributes {
	c := &Attributes{
		keys:   append([]string(nil), a.keys...),
		values: make(map[string]string, len(a.values)),
	}
	for k, v := range a.values {
		c.values[k] = v
	}
	return c
}
