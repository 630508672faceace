package registry

// Endpoint is one backend node base address.
type Endpoint struct {
	Name string
	URL  string
}

// Registry is the fixed, priority-ordered list of backend nodes.
// Order is the failover order: the primary node first.
type Registry struct {
	endpoints []Endpoint
}

func New(endpoints []Endpoint) *Registry {
	list := make([]Endpoint, len(endpoints))
	copy(list, endpoints)
	return &Registry{endpoints: list}
}

// Endpoints returns the ordered node list.
func (r *Registry) Endpoints() []Endpoint {
	list := make([]Endpoint, len(r.endpoints))
	copy(list, r.endpoints)
	return list
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	return len(r.endpoints)
}
