package rpc

// StaticPeers is the simplest PeerResolver: a fixed node-id→Client map
// built once from cluster configuration at startup.
type StaticPeers struct {
	clients map[string]*Client
}

// NewStaticPeers builds a StaticPeers from a node id → "host:port" map.
func NewStaticPeers(endpoints map[string]string) *StaticPeers {
	clients := make(map[string]*Client, len(endpoints))
	for id, endpoint := range endpoints {
		clients[id] = NewClient(endpoint)
	}
	return &StaticPeers{clients: clients}
}

// Client returns the Client for nodeID, if known.
func (p *StaticPeers) Client(nodeID string) (*Client, bool) {
	c, ok := p.clients[nodeID]
	return c, ok
}

// All returns every known peer's client, for fan-out operations like the
// coordinated shutdown broadcast.
func (p *StaticPeers) All() map[string]*Client { return p.clients }
