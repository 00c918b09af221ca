package mesh

// LifecycleState is the client-global connection lifecycle (spec §3, §4.4).
type LifecycleState string

const (
	StateIdle          LifecycleState = "IDLE"
	StateInitializing  LifecycleState = "INITIALIZING"
	StateConnecting    LifecycleState = "CONNECTING"
	StateHandshaking   LifecycleState = "HANDSHAKING"
	StateSyncing       LifecycleState = "SYNCING"
	StateActive        LifecycleState = "ACTIVE"
	StateReconnecting  LifecycleState = "RECONNECTING"
	StateDisconnected  LifecycleState = "DISCONNECTED"
	StateError         LifecycleState = "ERROR"
)

// Topology is the configured or effective mesh topology (spec §3).
type Topology string

const (
	TopologyMesh Topology = "mesh"
	TopologyStar Topology = "star"
)

// Transport is how a peer's traffic is currently carried.
type Transport string

const (
	TransportRelay  Transport = "relay"
	TransportDirect Transport = "direct"
)

// setState transitions the lifecycle state and fires lifecycleStateChange,
// unless the new state equals the current one.
func (c *Client) setState(s LifecycleState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.log.Info("lifecycle transition", "state", s)
	if c.listener.OnLifecycleStateChange != nil {
		c.listener.OnLifecycleStateChange(s)
	}
}
