package tagstream

import "fmt"

// Registry assigns tags to named channels. Tags are allocated sequentially
// in registration order, so both peers must register the same channels in
// the same order. Build the registry once during configuration and treat
// it as read-only afterwards.
type Registry struct {
	byName map[string]Tag
	names  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Tag)}
}

// Register allocates the next tag for name. Registering a name twice or
// overflowing the tag space is a configuration bug and panics.
func (r *Registry) Register(name string) Tag {
	if _, exists := r.byName[name]; exists {
		panic(fmt.Sprintf("tagstream: channel %q registered twice", name))
	}
	if len(r.names) > int(^Tag(0)) {
		panic("tagstream: tag space exhausted")
	}
	tag := Tag(len(r.names))
	r.byName[name] = tag
	r.names = append(r.names, name)
	return tag
}

// Lookup returns the tag registered for name.
func (r *Registry) Lookup(name string) (Tag, bool) {
	tag, ok := r.byName[name]
	return tag, ok
}

// Name returns the channel name a tag was registered under.
func (r *Registry) Name(tag Tag) (string, bool) {
	if int(tag) >= len(r.names) {
		return "", false
	}
	return r.names[tag], true
}

// Len returns the number of registered channels.
func (r *Registry) Len() int { return len(r.names) }
