package routing

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hyperborea/crypto"
)

var (
	// ErrUnknownServer indicates a client mapping referenced a server not
	// present in the table. This is an ordering error in the caller:
	// UpsertServer must happen first.
	ErrUnknownServer = errors.New("routing: unknown server")
	// ErrNotFound indicates the table has no mapping for the client.
	ErrNotFound = errors.New("routing: client not found")
)

// ServerRecord represents a reachable server: its node address, a
// transport-opaque endpoint locator, and when it was last contacted.
type ServerRecord struct {
	Address   crypto.Address
	PublicKey [32]byte
	Endpoint  string
	LastSeen  time.Time
}

// ClientRecord represents "this client is currently reachable through
// this server". A client maps to exactly one server at a time;
// conflicting announcements are resolved last-write-wins.
type ClientRecord struct {
	ClientAddress crypto.Address
	PublicKey     [32]byte
	Server        *ServerRecord
	RegisteredAt  time.Time
}

// Table is the process-wide routing state of a node. It is mutated by
// traversal results, peer announcements, and local client registration.
//
// All methods are safe for concurrent use. Mutations take the exclusive
// lock, reads the shared one; no I/O ever happens under either.
type Table struct {
	mu      sync.RWMutex
	servers map[crypto.Address]*ServerRecord
	clients map[crypto.Address]*ClientRecord
}

// NewTable creates an empty routing table.
func NewTable() *Table {
	return &Table{
		servers: make(map[crypto.Address]*ServerRecord),
		clients: make(map[crypto.Address]*ClientRecord),
	}
}

// UpsertServer inserts or refreshes a server record. LastSeen is set to
// the current time. It never fails.
func (t *Table) UpsertServer(record ServerRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.upsertServerLocked(record)
}

func (t *Table) upsertServerLocked(record ServerRecord) *ServerRecord {
	record.LastSeen = time.Now()

	if existing, ok := t.servers[record.Address]; ok {
		existing.Endpoint = record.Endpoint
		existing.PublicKey = record.PublicKey
		existing.LastSeen = record.LastSeen
		return existing
	}

	stored := record
	t.servers[record.Address] = &stored
	return &stored
}

// UpsertClient records that a client is hosted by the given server. The
// server must already be present in the table, else ErrUnknownServer.
// An existing mapping for the client is overwritten (last-write-wins).
func (t *Table) UpsertClient(clientAddress crypto.Address, publicKey [32]byte, serverAddress crypto.Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	server, ok := t.servers[serverAddress]
	if !ok {
		return ErrUnknownServer
	}

	t.clients[clientAddress] = &ClientRecord{
		ClientAddress: clientAddress,
		PublicKey:     publicKey,
		Server:        server,
		RegisteredAt:  time.Now(),
	}

	return nil
}

// LookupClient returns the server currently hosting the client, or
// ErrNotFound. It is a pure read with no side effects.
func (t *Table) LookupClient(clientAddress crypto.Address) (*ClientRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	record, ok := t.clients[clientAddress]
	if !ok {
		return nil, ErrNotFound
	}

	// Copy so callers never observe later mutations.
	client := *record
	server := *record.Server
	client.Server = &server

	return &client, nil
}

// RemoveClient drops a client mapping, if present. Used when a client
// disconnects from its hosting server.
func (t *Table) RemoveClient(clientAddress crypto.Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.clients[clientAddress]; !ok {
		return false
	}
	delete(t.clients, clientAddress)
	return true
}

// Servers returns a snapshot of all known server records.
func (t *Table) Servers() []ServerRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]ServerRecord, 0, len(t.servers))
	for _, record := range t.servers {
		result = append(result, *record)
	}
	return result
}

// Clients returns a snapshot of all known client records.
func (t *Table) Clients() []ClientRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]ClientRecord, 0, len(t.clients))
	for _, record := range t.clients {
		client := *record
		server := *record.Server
		client.Server = &server
		result = append(result, client)
	}
	return result
}

// Merge atomically inserts traversal results: all servers first, then the
// client mappings that reference them. Mappings referencing a server in
// neither the batch nor the table are skipped.
func (t *Table) Merge(servers []ServerRecord, clients []ClientRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, server := range servers {
		t.upsertServerLocked(server)
	}

	now := time.Now()
	for _, client := range clients {
		if client.Server == nil {
			continue
		}
		server, ok := t.servers[client.Server.Address]
		if !ok {
			continue
		}
		t.clients[client.ClientAddress] = &ClientRecord{
			ClientAddress: client.ClientAddress,
			PublicKey:     client.PublicKey,
			Server:        server,
			RegisteredAt:  now,
		}
	}
}

// EvictStale removes server records not seen within the threshold and
// client records either older than the threshold or hosted by an evicted
// server, preserving referential integrity. Returns how many records
// were dropped.
func (t *Table) EvictStale(threshold time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-threshold)
	evicted := 0

	for addr, server := range t.servers {
		if server.LastSeen.Before(cutoff) {
			delete(t.servers, addr)
			evicted++
		}
	}

	for addr, client := range t.clients {
		_, hostAlive := t.servers[client.Server.Address]
		if !hostAlive || client.RegisteredAt.Before(cutoff) {
			delete(t.clients, addr)
			evicted++
		}
	}

	if evicted > 0 {
		logrus.WithFields(logrus.Fields{
			"evicted":   evicted,
			"threshold": threshold,
		}).Debug("Evicted stale routing records")
	}

	return evicted
}

// Len returns the number of server and client records in the table.
func (t *Table) Len() (servers, clients int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.servers), len(t.clients)
}
