package traversal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hyperborea/crypto"
	"github.com/opd-ai/hyperborea/routing"
)

// ErrClientNotFound indicates the search exhausted every reachable server
// within the depth limit without finding the target client.
var ErrClientNotFound = errors.New("traversal: client not found")

// Default search parameters.
const (
	DefaultMaxDepth      = 5
	DefaultParallelism   = 4
	DefaultPerHopTimeout = 5 * time.Second
)

// QueryResult is one server's answer to a traversal query.
type QueryResult struct {
	// Found reports whether the queried server hosts the target client.
	Found bool
	// ClientPublicKey is the target's public key, set when Found.
	ClientPublicKey [32]byte
	// Peers lists the servers the queried server knows about.
	Peers []routing.ServerRecord
}

// QueryFunc asks one server whether it hosts the target client and which
// peers it knows. Implementations perform the network round trip; the
// engine supplies a per-hop timeout through ctx.
type QueryFunc func(ctx context.Context, server routing.ServerRecord, target crypto.Address) (*QueryResult, error)

// Engine runs breadth-first searches over the server graph.
type Engine struct {
	table         *routing.Table
	query         QueryFunc
	maxDepth      int
	parallelism   int
	perHopTimeout time.Duration
}

// Params bound a search. Zero fields fall back to the package defaults.
type Params struct {
	// MaxDepth is the deepest BFS level queried, counting seeds as depth 0.
	MaxDepth int
	// Parallelism caps concurrent queries within one BFS level.
	Parallelism int
	// PerHopTimeout bounds each network round trip. The caller's context
	// deadline bounds the search as a whole.
	PerHopTimeout time.Duration
}

// NewEngine creates a traversal engine searching on behalf of the given
// routing table.
func NewEngine(table *routing.Table, query QueryFunc, params Params) *Engine {
	if params.MaxDepth <= 0 {
		params.MaxDepth = DefaultMaxDepth
	}
	if params.Parallelism <= 0 {
		params.Parallelism = DefaultParallelism
	}
	if params.PerHopTimeout <= 0 {
		params.PerHopTimeout = DefaultPerHopTimeout
	}

	return &Engine{
		table:         table,
		query:         query,
		maxDepth:      params.MaxDepth,
		parallelism:   params.Parallelism,
		perHopTimeout: params.PerHopTimeout,
	}
}

// levelOutcome collects what one BFS level produced.
type levelOutcome struct {
	client     *routing.ClientRecord
	responsive []routing.ServerRecord
	peers      []routing.ServerRecord
}

// Find locates the server hosting the target client.
//
// The search seeds from the given servers, falling back to every server
// currently in the routing table. On success the discovered records are
// merged into the table in a single call; on failure or cancellation the
// table is left untouched.
func (e *Engine) Find(ctx context.Context, target crypto.Address, seeds ...routing.ServerRecord) (*routing.ClientRecord, error) {
	frontier := seeds
	if len(frontier) == 0 {
		frontier = e.table.Servers()
	}
	if len(frontier) == 0 {
		return nil, fmt.Errorf("%w: no seed servers", ErrClientNotFound)
	}

	logrus.WithFields(logrus.Fields{
		"target": target.String()[:16],
		"seeds":  len(frontier),
	}).Debug("Starting traversal")

	visited := mapset.NewSet[crypto.Address]()
	var responsive []routing.ServerRecord

	for depth := 0; depth <= e.maxDepth; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Set.Add is an atomic test-and-set: whichever search path reaches
		// a server first claims it, so no server is queried twice.
		level := frontier[:0:0]
		for _, server := range frontier {
			if visited.Add(server.Address) {
				level = append(level, server)
			}
		}
		if len(level) == 0 {
			break
		}

		outcome := e.searchLevel(ctx, level, target)
		responsive = append(responsive, outcome.responsive...)

		if outcome.client != nil {
			e.table.Merge(responsive, []routing.ClientRecord{*outcome.client})

			logrus.WithFields(logrus.Fields{
				"target": target.String()[:16],
				"server": outcome.client.Server.Address.String()[:16],
				"depth":  depth,
			}).Info("Traversal located client")

			return outcome.client, nil
		}

		frontier = outcome.peers
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"target":  target.String()[:16],
		"visited": visited.Cardinality(),
	}).Debug("Traversal exhausted frontier")

	return nil, ErrClientNotFound
}

// searchLevel queries every server of one BFS level, fanning out up to
// e.parallelism requests at a time. A server that errors contributes
// nothing and does not abort the level.
func (e *Engine) searchLevel(ctx context.Context, level []routing.ServerRecord, target crypto.Address) *levelOutcome {
	type hopResult struct {
		server routing.ServerRecord
		result *QueryResult
	}

	results := make(chan hopResult, len(level))
	sem := make(chan struct{}, e.parallelism)

	var wg sync.WaitGroup
	for _, server := range level {
		wg.Add(1)
		go func(server routing.ServerRecord) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			hopCtx, cancel := context.WithTimeout(ctx, e.perHopTimeout)
			defer cancel()

			result, err := e.query(hopCtx, server, target)
			if err != nil {
				// One unreachable peer is "no information", not a failure.
				logrus.WithFields(logrus.Fields{
					"server": server.Address.String()[:16],
					"error":  err.Error(),
				}).Debug("Traversal hop failed")
				return
			}

			results <- hopResult{server: server, result: result}
		}(server)
	}

	wg.Wait()
	close(results)

	outcome := &levelOutcome{}
	for hop := range results {
		outcome.responsive = append(outcome.responsive, hop.server)
		outcome.peers = append(outcome.peers, hop.result.Peers...)

		if hop.result.Found && outcome.client == nil {
			server := hop.server
			outcome.client = &routing.ClientRecord{
				ClientAddress: target,
				PublicKey:     hop.result.ClientPublicKey,
				Server:        &server,
			}
		}
	}

	return outcome
}
