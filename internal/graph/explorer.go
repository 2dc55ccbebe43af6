package graph

import (
	"context"
	"log"
	"sync"

	"github.com/surf-oidcfed/trustwalker/internal/entity"
	"github.com/surf-oidcfed/trustwalker/internal/fetcher"
	"github.com/surf-oidcfed/trustwalker/internal/ferrors"
	"github.com/surf-oidcfed/trustwalker/internal/statement"
	"github.com/surf-oidcfed/trustwalker/pkg/metrics"
)

// Config configures an Explorer, per spec section 5.
type Config struct {
	MaxDepth int // default 10
	Workers  int // bounded goroutine pool size, default 16
}

func (c Config) withDefaults() Config {
	if c.MaxDepth <= 0 {
		c.MaxDepth = 10
	}
	if c.Workers <= 0 {
		c.Workers = 16
	}
	return c
}

// Explorer performs upward chain enumeration and downward subtree discovery
// over the federation graph (spec section 4.4).
type Explorer struct {
	cfg     Config
	fetcher *fetcher.Fetcher
}

// New builds an Explorer backed by f.
func New(f *fetcher.Fetcher, cfg Config) *Explorer {
	return &Explorer{cfg: cfg.withDefaults(), fetcher: f}
}

// chainCollector accumulates chains discovered concurrently by BuildChains'
// worker pool, forming the join point before the final sort (spec section
// 4.4's "sync.WaitGroup forms the join barrier").
type chainCollector struct {
	mu     sync.Mutex
	chains []*TrustChain
}

func (cc *chainCollector) emit(path []*statement.EntityStatement) {
	cp := make([]*statement.EntityStatement, len(path))
	copy(cp, path)
	cc.mu.Lock()
	cc.chains = append(cc.chains, &TrustChain{Statements: cp})
	cc.mu.Unlock()
	metrics.RecordChainEmitted(true)
}

// BuildChains performs upward enumeration (spec section 4.4): DFS over the
// DAG induced by authority_hints from leafID, terminating each branch either
// at a configured trust anchor (when anchors is non-empty) or at any
// self-signed root (when anchors is empty). Branches are explored
// concurrently, bounded by cfg.Workers; a per-path visited set guards
// against cycles without pruning siblings that revisit a node on a
// different path.
func (e *Explorer) BuildChains(ctx context.Context, leafID string, anchors []string) ([]*TrustChain, error) {
	leafSelf, err := e.fetcher.FetchConfiguration(ctx, leafID)
	if err != nil {
		return nil, err
	}

	anchorSet := make(map[string]bool, len(anchors))
	for _, a := range anchors {
		id, err := entity.Normalize(a)
		if err != nil {
			return nil, ferrors.New(ferrors.KindInvalidEntityID, "BuildChains", a, err)
		}
		anchorSet[string(id)] = true
	}
	anchorsSpecified := len(anchors) > 0

	sem := make(chan struct{}, e.cfg.Workers)
	var wg sync.WaitGroup
	collector := &chainCollector{}

	visited := map[string]bool{leafID: true}
	wg.Add(1)
	go e.walk(ctx, leafSelf, []*statement.EntityStatement{leafSelf}, visited, 0, anchorSet, anchorsSpecified, sem, &wg, collector)
	wg.Wait()

	SortChains(collector.chains)
	return collector.chains, nil
}

func (e *Explorer) walk(
	ctx context.Context,
	currentSelf *statement.EntityStatement,
	path []*statement.EntityStatement,
	visited map[string]bool,
	depth int,
	anchorSet map[string]bool,
	anchorsSpecified bool,
	sem chan struct{},
	wg *sync.WaitGroup,
	collector *chainCollector,
) {
	defer wg.Done()

	currentID := currentSelf.Subject
	if anchorsSpecified && anchorSet[currentID] {
		collector.emit(path)
		return
	}
	if len(currentSelf.AuthorityHints) == 0 {
		if !anchorsSpecified {
			collector.emit(path)
		}
		return
	}
	if depth >= e.cfg.MaxDepth {
		log.Printf("[EXPLORER] abandoning branch at %s: max depth %d reached", currentID, e.cfg.MaxDepth)
		return
	}

	for _, hint := range currentSelf.AuthorityHints {
		superiorID, err := entity.Normalize(hint)
		if err != nil {
			log.Printf("[EXPLORER] skipping malformed authority_hint %q from %s: %v", hint, currentID, err)
			continue
		}
		if visited[string(superiorID)] {
			continue // cycle guard: already on this path
		}

		newVisited := make(map[string]bool, len(visited)+1)
		for k := range visited {
			newVisited[k] = true
		}
		newVisited[string(superiorID)] = true

		wg.Add(1)
		go func(superior string) {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				wg.Done()
				return
			}

			superiorSelf, err := e.fetcher.FetchConfiguration(ctx, superior)
			if err != nil {
				log.Printf("[EXPLORER] abandoning branch at %s: fetching superior %s: %v", currentID, superior, err)
				wg.Done()
				return
			}
			subordinateStmt, err := e.fetcher.FetchSubordinate(ctx, superior, currentID)
			if err != nil {
				log.Printf("[EXPLORER] abandoning branch at %s: fetching subordinate statement from %s: %v", currentID, superior, err)
				wg.Done()
				return
			}

			newPath := make([]*statement.EntityStatement, len(path), len(path)+2)
			copy(newPath, path)
			newPath = append(newPath, subordinateStmt, superiorSelf)

			e.walk(ctx, superiorSelf, newPath, newVisited, depth+1, anchorSet, anchorsSpecified, sem, wg, collector)
		}(string(superiorID))
	}
}

// DiscoverSubtree performs downward enumeration (spec section 4.4): BFS from
// rootID via list_subordinates + fetch_subordinate, recording each child's
// entity types. A node visited via more than one superior is kept once
// (first arrival wins).
func (e *Explorer) DiscoverSubtree(ctx context.Context, rootID string, entityTypeFilter string) ([]*Node, error) {
	rootSelf, err := e.fetcher.FetchConfiguration(ctx, rootID)
	if err != nil {
		return nil, err
	}

	visited := map[string]*Node{
		rootID: {
			ID:          rootID,
			Self:        rootSelf,
			EntityTypes: rootSelf.EntityTypes(),
		},
	}
	queue := []string{rootID}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		currentNode := visited[current]

		children, err := e.fetcher.ListSubordinates(ctx, current, "")
		if err != nil {
			log.Printf("[EXPLORER] listing subordinates of %s: %v", current, err)
			continue
		}

		for _, childRaw := range children {
			childID, err := entity.Normalize(childRaw)
			if err != nil {
				log.Printf("[EXPLORER] skipping malformed subordinate id %q from %s: %v", childRaw, current, err)
				continue
			}
			child := string(childID)

			currentNode.Subordinates = append(currentNode.Subordinates, child)

			if _, seen := visited[child]; seen {
				continue // first arrival wins
			}

			childSelf, err := e.fetcher.FetchConfiguration(ctx, child)
			if err != nil {
				log.Printf("[EXPLORER] fetching subtree node %s: %v", child, err)
				continue
			}
			childStmt, err := e.fetcher.FetchSubordinate(ctx, current, child)
			if err != nil {
				log.Printf("[EXPLORER] fetching subordinate linkage %s -> %s: %v", current, child, err)
				continue
			}
			if childStmt.Subject != child {
				log.Printf("[EXPLORER] subordinate linkage mismatch for %s, skipping", child)
				continue
			}

			node := &Node{
				ID:          child,
				Self:        childSelf,
				EntityTypes: childSelf.EntityTypes(),
				Superiors:   []string{current},
			}
			visited[child] = node
			queue = append(queue, child)
		}
	}

	nodes := make([]*Node, 0, len(visited))
	for _, n := range visited {
		if entityTypeFilter != "" && !hasEntityType(n.EntityTypes, entityTypeFilter) {
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func hasEntityType(types []string, want string) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}
