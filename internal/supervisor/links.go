package supervisor

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// serviceLink names one inter-service socketpair the supervisor
// establishes before either endpoint is spawned — the concrete realization
// of the Design Notes' "thread through a small typed handoff record per
// service describing which abstract role each inherited handle fills".
// produces is the service that answers requests on this link (a data
// service, the notification service, the random service, or the
// listener); consumes is the service that calls out on it.
//
// spec.md §6.5's descriptor table assigns every link a fixed slot number
// under the assumption that the consumer count per producer is exactly
// one, but §4.8's canonization service and §6.5's random/notification
// entries together need a second consumer (canonization needs both a
// random-service link and a notification-service link that the table
// never names a slot for). Rather than silently drop canonization's
// wiring to random/notification, each link here is named and passed to
// its child by role instead of by raw descriptor number (see
// linkTable.extraFiles below), so the slot-count mismatch in §6.5 does not have to be resolved
// by inventing descriptor numbers the spec never specifies.
type serviceLink struct {
	role     string
	produces ServiceName
	consumes ServiceName
}

var serviceLinks = []serviceLink{
	{role: "data-out", produces: ServiceDataAuth, consumes: ServiceProtocol},
	{role: "data-out", produces: ServiceDataCanon, consumes: ServiceCanonization},
	{role: "data-out", produces: ServiceDataAttest, consumes: ServiceAttestation},
	{role: "notify-out", produces: ServiceNotification, consumes: ServiceCanonization},
	{role: "notify-out", produces: ServiceNotification, consumes: ServiceProtocol},
	{role: "random-out", produces: ServiceRandom, consumes: ServiceProtocol},
	{role: "random-out", produces: ServiceRandom, consumes: ServiceCanonization},
	{role: "accept-forward", produces: ServiceListener, consumes: ServiceProtocol},
}

// linkEnd is one socketpair end still held by the supervisor, waiting for
// its owning service to spawn.
type linkEnd struct {
	role string
	peer ServiceName // the OTHER end of this link, for logging only
	file *os.File
}

// linkTable builds both ends of every serviceLink up front (sockets can be
// created long before either process exists) and hands out each service's
// ends when it spawns.
type linkTable struct {
	produced map[ServiceName][]*linkEnd // ends this service serves on
	consumed map[ServiceName][]*linkEnd // ends this service calls out on
}

func newLinkTable() (*linkTable, error) {
	t := &linkTable{produced: make(map[ServiceName][]*linkEnd), consumed: make(map[ServiceName][]*linkEnd)}
	for _, l := range serviceLinks {
		serverEnd, clientEnd, err := socketpair()
		if err != nil {
			return nil, fmt.Errorf("supervisor: creating %s link %s<->%s: %w", l.role, l.produces, l.consumes, err)
		}
		t.produced[l.produces] = append(t.produced[l.produces], &linkEnd{role: l.role, peer: l.consumes, file: serverEnd})
		t.consumed[l.consumes] = append(t.consumed[l.consumes], &linkEnd{role: l.role, peer: l.produces, file: clientEnd})
	}
	return t, nil
}

// extraFiles returns every file this service inherits beyond the control
// socket, and the AGENTD_LINKS environment value describing which
// ExtraFiles index (fd 4, 5, ... since ExtraFiles[0] is always control at
// fd 3) each role/peer pair landed on.
func (t *linkTable) extraFiles(name ServiceName) ([]*os.File, string) {
	var ends []*linkEnd
	ends = append(ends, t.produced[name]...)
	ends = append(ends, t.consumed[name]...)
	sort.Slice(ends, func(i, j int) bool {
		if ends[i].role != ends[j].role {
			return ends[i].role < ends[j].role
		}
		return ends[i].peer < ends[j].peer
	})

	files := make([]*os.File, 0, len(ends))
	parts := make([]string, 0, len(ends))
	for i, e := range ends {
		fd := 4 + i // ExtraFiles[0] (control) is always fd 3
		files = append(files, e.file)
		parts = append(parts, fmt.Sprintf("%s:%s:%d", e.role, e.peer, fd))
	}
	return files, strings.Join(parts, ",")
}

// closeUnused closes every link end this table created that name never
// claimed (spawn failures, or services the fleet never starts in a given
// deployment), so the supervisor does not leak descriptors.
func (t *linkTable) closeUnused(spawned map[ServiceName]bool) {
	for name, ends := range t.produced {
		if !spawned[name] {
			for _, e := range ends {
				e.file.Close()
			}
		}
	}
	for name, ends := range t.consumed {
		if !spawned[name] {
			for _, e := range ends {
				e.file.Close()
			}
		}
	}
}

// ParsedLink is one role/peer/fd tuple decoded from AGENTD_LINKS by the
// spawned child (cmd/agentd/main.go's run-service subcommand).
type ParsedLink struct {
	Role string
	Peer string
	FD   int
}

// ParseLinks decodes the AGENTD_LINKS environment value
// linkTable.extraFiles produces, e.g. "data-out:protocol:4,random-out:canonization:5".
func ParseLinks(env string) ([]ParsedLink, error) {
	if env == "" {
		return nil, nil
	}
	var out []ParsedLink
	for _, part := range strings.Split(env, ",") {
		fields := strings.Split(part, ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("supervisor: malformed link descriptor %q", part)
		}
		fd, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("supervisor: malformed link fd in %q: %w", part, err)
		}
		out = append(out, ParsedLink{Role: fields[0], Peer: fields[1], FD: fd})
	}
	return out, nil
}

// LinksEnvVar is the environment variable name the supervisor sets on
// each spawned service describing its inter-service links (see
// linkTable.extraFiles); exported so cmd/agentd/main.go's run-service
// subcommand can read it without a string literal duplicated across
// packages.
const LinksEnvVar = "AGENTD_LINKS"
