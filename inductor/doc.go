// Package inductor defines how processes are spawned and how their lifecycle is reported.
// Implementations live in the subpackages: local runs processes on this host, docker runs them inside a container,
// and remote runs them on a host running the node agent.
package inductor
