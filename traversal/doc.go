// Package traversal implements the breadth-first network search used to
// locate a client's hosting server when the routing table has no entry.
//
// Servers are queried level by level ("do you host this client, and which
// peer servers do you know"), so the shortest-hop server among reachable
// ones is always found first. Each search owns its own frontier and
// visited set; cancelling one never corrupts another, and the routing
// table is only touched by a single merge on success.
package traversal
