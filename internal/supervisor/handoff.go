// Package supervisor implements the process-fleet orchestrator: the
// startup/shutdown sequence of spec.md §4.10, the per-service descriptor
// handoff of §6.5, and the ServiceState machine the ops surface reports.
package supervisor

// ServiceName identifies one of the fleet's service roles. These double as
// the re-exec role argument passed to the agentd binary.
type ServiceName string

const (
	ServiceRandom       ServiceName = "random"
	ServiceListener     ServiceName = "listener"
	ServiceDataAuth     ServiceName = "data-for-auth"
	ServiceDataCanon    ServiceName = "data-for-canonization"
	ServiceNotification ServiceName = "notification"
	ServiceProtocol     ServiceName = "protocol"
	ServiceAuth         ServiceName = "auth"
	ServiceDataAttest   ServiceName = "data-for-attestation"
	ServiceCanonization ServiceName = "canonization"
	ServiceAttestation  ServiceName = "attestation"
)

// StartupOrder is the fixed dependency order of spec.md §4.10 step 6.
var StartupOrder = []ServiceName{
	ServiceRandom,
	ServiceListener,
	ServiceDataAuth,
	ServiceDataCanon,
	ServiceNotification,
	ServiceProtocol,
	ServiceAuth,
	ServiceDataAttest,
	ServiceCanonization,
	ServiceAttestation,
}

// ShutdownLeafOrder is the leaf-service stop order of the shutdown
// sequence (spec.md §4.10), issued before the data/random tier.
var ShutdownLeafOrder = []ServiceName{
	ServiceAuth,
	ServiceListener,
	ServiceProtocol,
	ServiceCanonization,
	ServiceAttestation,
	ServiceNotification,
}

// ShutdownRootOrder is the data/random tier stopped after the leaf sleep
// (spec.md §4.10 shutdown sequence, second phase).
var ShutdownRootOrder = []ServiceName{
	ServiceDataAuth,
	ServiceDataCanon,
	ServiceDataAttest,
	ServiceRandom,
}

// DescriptorSlot names one well-known small-integer descriptor position a
// service inherits at spawn (spec.md §6.5).
type DescriptorSlot int

const (
	SlotLog DescriptorSlot = iota
	SlotRequest
	SlotAcceptForward
	SlotDataOut
	SlotRandomOut
	SlotControl
	SlotCanonizationClient
	SlotProtocolClient
	SlotAcceptIn
	SlotDevRandom
)

// HandoffSpec describes one service's fixed descriptor table as an ordered
// list of slots (spec.md §6.5, Design Notes "thread through a small typed
// handoff record"). Fleet.spawnOne only checks that a service has an entry;
// the slots are not remapped to 0..n-1 at spawn, and the child receives its
// control socket at fd 3 and its role-named links from fd 4 on (links.go).
type HandoffSpec struct {
	Service ServiceName
	Slots   []DescriptorSlot
}

// Handoffs is the descriptor table for every service in the fleet, taken
// directly from spec.md §6.5.
var Handoffs = map[ServiceName]HandoffSpec{
	ServiceDataAuth: {
		Service: ServiceDataAuth,
		Slots:   []DescriptorSlot{SlotRequest, SlotLog},
	},
	ServiceDataCanon: {
		Service: ServiceDataCanon,
		Slots:   []DescriptorSlot{SlotRequest, SlotLog},
	},
	ServiceDataAttest: {
		Service: ServiceDataAttest,
		Slots:   []DescriptorSlot{SlotRequest, SlotLog},
	},
	ServiceListener: {
		Service: ServiceListener,
		Slots:   []DescriptorSlot{SlotLog, SlotAcceptForward, SlotAcceptIn},
	},
	ServiceProtocol: {
		Service: ServiceProtocol,
		Slots:   []DescriptorSlot{SlotAcceptIn, SlotLog, SlotDataOut, SlotRandomOut, SlotControl},
	},
	ServiceCanonization: {
		Service: ServiceCanonization,
		Slots:   []DescriptorSlot{SlotLog, SlotDataOut, SlotRandomOut, SlotControl},
	},
	ServiceAttestation: {
		Service: ServiceAttestation,
		Slots:   []DescriptorSlot{SlotLog, SlotDataOut, SlotControl},
	},
	ServiceNotification: {
		Service: ServiceNotification,
		Slots:   []DescriptorSlot{SlotLog, SlotCanonizationClient, SlotProtocolClient},
	},
	ServiceRandom: {
		Service: ServiceRandom,
		Slots:   []DescriptorSlot{SlotDevRandom, SlotProtocolClient, SlotLog},
	},
}
