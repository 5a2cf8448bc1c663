package routing

import (
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/hyperborea/crypto"
)

func testAddress(b byte) crypto.Address {
	var pub [32]byte
	pub[0] = b
	pub[31] = ^b
	return crypto.AddressOf(pub)
}

func testServer(b byte) ServerRecord {
	return ServerRecord{
		Address:  testAddress(b),
		Endpoint: "http://127.0.0.1:8080",
	}
}

func TestUpsertClientRequiresServer(t *testing.T) {
	table := NewTable()
	client := testAddress(1)
	server := testServer(2)

	err := table.UpsertClient(client, [32]byte{1}, server.Address)
	if err != ErrUnknownServer {
		t.Fatalf("UpsertClient() without server: got %v, want ErrUnknownServer", err)
	}

	table.UpsertServer(server)

	if err := table.UpsertClient(client, [32]byte{1}, server.Address); err != nil {
		t.Fatalf("UpsertClient() error: %v", err)
	}

	record, err := table.LookupClient(client)
	if err != nil {
		t.Fatalf("LookupClient() error: %v", err)
	}
	if record.Server.Address != server.Address {
		t.Error("LookupClient() returned wrong hosting server")
	}
}

func TestLookupClientMiss(t *testing.T) {
	table := NewTable()

	if _, err := table.LookupClient(testAddress(9)); err != ErrNotFound {
		t.Fatalf("LookupClient() miss: got %v, want ErrNotFound", err)
	}
}

func TestUpsertClientLastWriteWins(t *testing.T) {
	table := NewTable()
	client := testAddress(1)
	first := testServer(2)
	second := testServer(3)

	table.UpsertServer(first)
	table.UpsertServer(second)

	if err := table.UpsertClient(client, [32]byte{1}, first.Address); err != nil {
		t.Fatalf("UpsertClient() error: %v", err)
	}
	if err := table.UpsertClient(client, [32]byte{1}, second.Address); err != nil {
		t.Fatalf("UpsertClient() error: %v", err)
	}

	record, err := table.LookupClient(client)
	if err != nil {
		t.Fatalf("LookupClient() error: %v", err)
	}
	if record.Server.Address != second.Address {
		t.Error("Conflicting registration did not resolve last-write-wins")
	}
}

func TestUpsertServerRefreshesLastSeen(t *testing.T) {
	table := NewTable()
	server := testServer(2)

	table.UpsertServer(server)
	before := table.Servers()[0].LastSeen

	time.Sleep(2 * time.Millisecond)
	table.UpsertServer(server)
	after := table.Servers()[0].LastSeen

	if !after.After(before) {
		t.Error("UpsertServer() did not refresh LastSeen")
	}

	if servers, _ := table.Len(); servers != 1 {
		t.Errorf("Refresh duplicated the server record: %d records", servers)
	}
}

func TestEvictStaleCascades(t *testing.T) {
	table := NewTable()
	staleServer := testServer(2)
	freshServer := testServer(3)
	client := testAddress(1)

	table.UpsertServer(staleServer)
	table.UpsertServer(freshServer)
	if err := table.UpsertClient(client, [32]byte{1}, staleServer.Address); err != nil {
		t.Fatalf("UpsertClient() error: %v", err)
	}

	// Age the stale server's record directly.
	table.mu.Lock()
	table.servers[staleServer.Address].LastSeen = time.Now().Add(-time.Hour)
	table.mu.Unlock()

	evicted := table.EvictStale(30 * time.Minute)
	if evicted != 2 {
		t.Errorf("EvictStale() = %d, want 2 (server and its client)", evicted)
	}

	if _, err := table.LookupClient(client); err != ErrNotFound {
		t.Error("Client survived eviction of its hosting server")
	}

	servers, clients := table.Len()
	if servers != 1 || clients != 0 {
		t.Errorf("Table after eviction: %d servers, %d clients", servers, clients)
	}
}

func TestMerge(t *testing.T) {
	table := NewTable()
	server := testServer(2)
	client := ClientRecord{
		ClientAddress: testAddress(1),
		PublicKey:     [32]byte{1},
		Server:        &ServerRecord{Address: server.Address},
	}
	orphan := ClientRecord{
		ClientAddress: testAddress(4),
		Server:        &ServerRecord{Address: testAddress(5)},
	}

	table.Merge([]ServerRecord{server}, []ClientRecord{client, orphan, {ClientAddress: testAddress(6)}})

	record, err := table.LookupClient(client.ClientAddress)
	if err != nil {
		t.Fatalf("LookupClient() after merge error: %v", err)
	}
	if record.Server.Address != server.Address {
		t.Error("Merge lost the client to server mapping")
	}

	if _, err := table.LookupClient(orphan.ClientAddress); err != ErrNotFound {
		t.Error("Merge inserted a client with a dangling server reference")
	}
}

func TestConcurrentAccess(t *testing.T) {
	table := NewTable()
	server := testServer(200)
	table.UpsertServer(server)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				table.UpsertServer(testServer(byte(i)))
				_ = table.UpsertClient(testAddress(byte(100+i)), [32]byte{byte(i)}, server.Address)
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = table.LookupClient(testAddress(byte(100 + i)))
				_ = table.Servers()
			}
		}(i)
	}
	wg.Wait()

	servers, clients := table.Len()
	if servers != 17 || clients != 16 {
		t.Errorf("Table after concurrent writes: %d servers, %d clients", servers, clients)
	}
}
