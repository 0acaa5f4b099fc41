// Package chainreg implements C6: an eventually-consistent view of the
// on-chain node registry built by polling NodeRegistered/NodeUpdated/
// NodeUnregistered events, plus the local node's own registration status
// (spec §4.6).
//
// Grounded on original_source/src/contracts/registry_monitor.rs: an
// Arc<RwLock<HashMap<Address,NodeMetadata>>> cache updated by three
// per-event-type handlers, a from_block-driven poll loop, and a
// capability-substring get_hosts_by_capability query — generalized here
// to multiple chains, persisted cursors, and confirmation-depth reorg
// handling per spec §4.6.
package chainreg

import "strings"

// EventKind distinguishes the three on-chain event types this package
// tracks (spec §4.6).
type EventKind int

const (
	NodeRegistered EventKind = iota
	NodeUpdated
	NodeUnregistered
)

// Metadata is the cached view of one registered node (mirrors the
// original's NodeMetadata).
type Metadata struct {
	Host         [20]byte
	Info         string // free-text capability/metadata blob
	Stake        uint64
	RegisteredAt uint64
	LastUpdated  uint64
	BlockNumber  uint64
	LogIndex     uint32
}

// Event is a single applied chain event, as recorded in the reconciler's
// history ring buffer (Reconciler.History, SPEC_FULL.md §D.4).
type Event struct {
	Kind        EventKind
	Host        [20]byte
	Info        string
	Stake       uint64
	BlockNumber uint64
	LogIndex    uint32
	Reverted    bool // never set by the reconciler, which runs no reorg re-query
}

// Cache is the in-memory node-registry view for one chain.
type Cache struct {
	byHost map[[20]byte]Metadata
}

// NewCache constructs an empty Cache.
func NewCache() *Cache {
	return &Cache{byHost: make(map[[20]byte]Metadata)}
}

func (c *Cache) apply(ev Event, now uint64) {
	switch ev.Kind {
	case NodeRegistered:
		c.byHost[ev.Host] = Metadata{
			Host: ev.Host, Info: ev.Info, Stake: ev.Stake,
			RegisteredAt: now, LastUpdated: now,
			BlockNumber: ev.BlockNumber, LogIndex: ev.LogIndex,
		}
	case NodeUpdated:
		if m, ok := c.byHost[ev.Host]; ok {
			m.Info = ev.Info
			m.LastUpdated = now
			m.BlockNumber = ev.BlockNumber
			m.LogIndex = ev.LogIndex
			c.byHost[ev.Host] = m
		}
	case NodeUnregistered:
		delete(c.byHost, ev.Host)
	}
}

// ListHosts returns every currently registered host address.
func (c *Cache) ListHosts() [][20]byte {
	out := make([][20]byte, 0, len(c.byHost))
	for h := range c.byHost {
		out = append(out, h)
	}
	return out
}

// Get returns a host's cached metadata.
func (c *Cache) Get(host [20]byte) (Metadata, bool) {
	m, ok := c.byHost[host]
	return m, ok
}

// ByCapability returns hosts whose Info substring-matches capability
// (SPEC_FULL.md §D.5, grounded on get_hosts_by_capability).
func (c *Cache) ByCapability(capability string) [][20]byte {
	out := make([][20]byte, 0)
	for h, m := range c.byHost {
		if strings.Contains(m.Info, capability) {
			out = append(out, h)
		}
	}
	return out
}

// RegistrationStatus is the local node's own on-chain registration state
// (spec §4.6).
type RegistrationStatus int

const (
	NotRegistered RegistrationStatus = iota
	Pending
	Confirmed
	Failed
)

func (s RegistrationStatus) String() string {
	switch s {
	case NotRegistered:
		return "not_registered"
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Registration tracks the local node's register_on_chain call through to
// confirmation or failure.
type Registration struct {
	Status      RegistrationStatus
	TxHash      [32]byte
	BlockNumber uint64
	Err         string
}
