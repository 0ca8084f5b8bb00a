package events

// Registry is the schema registry contract: validate(eventName, payload) -> bool.
type Registry interface {
	Validate(eventName string, payload []byte) bool
}

// StaticRegistry validates against the variants compiled into this package.
type StaticRegistry struct {
	allowed map[string]bool
}

// NewStaticRegistry accepts the given event names, or every known name when none are given.
func NewStaticRegistry(names ...string) *StaticRegistry {
	if len(names) == 0 {
		names = Names()
	}
	r := &StaticRegistry{allowed: make(map[string]bool, len(names))}
	for _, n := range names {
		r.allowed[n] = true
	}
	return r
}

func (r *StaticRegistry) Validate(eventName string, payload []byte) bool {
	if !r.allowed[eventName] {
		return false
	}
	_, err := Decode(eventName, payload)
	return err == nil
}
