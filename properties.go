package depman

// Properties is an ordered string-to-value map carried by services and
// passed alongside dependency registrations. Conventional keys include
// "Filter", "LogLevel" and "scope"; collaborators may add their own.
// The resolver reads none of them itself: filters reach it through
// the registration's Filter field, and a Filter such as PropertyFilter
// decides which provider properties to inspect.
type Properties struct {
	order  []string
	values map[string]any
}

// NewProperties creates an empty, ordered property map.
func NewProperties() *Properties {
	return &Properties{values: make(map[string]any)}
}

// Set assigns key to value, preserving first-insertion order on
// repeated sets, and returns the receiver for chaining.
func (p *Properties) Set(key string, value any) *Properties {
	if _, exists := p.values[key]; !exists {
		p.order = append(p.order, key)
	}
	p.values[key] = value
	return p
}

// Get returns the raw value for key.
func (p *Properties) Get(key string) (any, bool) {
	v, ok := p.values[key]
	return v, ok
}

// GetString returns the string value for key, or "" if absent or of a
// different type.
func (p *Properties) GetString(key string) string {
	if v, ok := p.values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetInt returns the int value for key, or 0 if absent or of a
// different type.
func (p *Properties) GetInt(key string) int {
	if v, ok := p.values[key]; ok {
		if i, ok := v.(int); ok {
			return i
		}
	}
	return 0
}

// GetBool returns the bool value for key, or false if absent or of a
// different type.
func (p *Properties) GetBool(key string) bool {
	if v, ok := p.values[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

// Keys returns property keys in insertion order.
func (p *Properties) Keys() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// Filter key used to carry an opaque provider-selection predicate.
const FilterKey = "Filter"

// WithFilter stores f under FilterKey and returns the receiver.
func (p *Properties) WithFilter(f Filter) *Properties {
	return p.Set(FilterKey, f)
}

// FilterValue returns the predicate stored under FilterKey, if any.
func (p *Properties) FilterValue() (Filter, bool) {
	v, ok := p.values[FilterKey]
	if !ok {
		return nil, false
	}
	f, ok := v.(Filter)
	return f, ok
}

// Filter is an opaque predicate over a candidate provider's identity
// and properties, evaluated by the resolver when matching a
// registration against an offer.
type Filter interface {
	Matches(providerID ServiceID, providerProps *Properties) bool
}

// PropertyFilter matches providers whose property Key equals Value.
type PropertyFilter struct {
	Key   string
	Value any
}

// Matches implements Filter.
func (f PropertyFilter) Matches(_ ServiceID, providerProps *Properties) bool {
	v, ok := providerProps.Get(f.Key)
	if !ok {
		return false
	}
	return v == f.Value
}

// ServiceIDFilter matches a single specific provider by id.
type ServiceIDFilter struct {
	ID ServiceID
}

// Matches implements Filter.
func (f ServiceIDFilter) Matches(providerID ServiceID, _ *Properties) bool {
	return providerID == f.ID
}

// AndFilter composes multiple filters with logical AND.
type AndFilter []Filter

// Matches implements Filter.
func (f AndFilter) Matches(providerID ServiceID, providerProps *Properties) bool {
	for _, entry := range f {
		if !entry.Matches(providerID, providerProps) {
			return false
		}
	}
	return true
}
