package p2p

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketAddedNodes = []byte("added_nodes")

// AddedNode is one operator-pinned endpoint. Endpoints are opaque
// strings; they are matched exactly, never resolved or normalized, so
// the operator removes precisely what they added.
type AddedNode struct {
	Endpoint string    `json:"endpoint"`
	AddedAt  time.Time `json:"added_at"`
}

// AddedNodeListConfig carries the collaborators for the added-node list.
type AddedNodeListConfig struct {
	Path    string
	Options *bolt.Options
	NowFunc func() time.Time
	Logger  *slog.Logger
}

// AddedNodeList persists the endpoints the operator wants held open.
// The connection manager redials members on its maintenance cycle; this
// type only owns membership.
type AddedNodeList struct {
	mu    sync.RWMutex
	order []string
	nodes map[string]AddedNode

	db     *bolt.DB
	now    func() time.Time
	logger *slog.Logger
}

// NewAddedNodeList opens (and migrates) the list at path.
func NewAddedNodeList(cfg AddedNodeListConfig) (*AddedNodeList, error) {
	options := cfg.Options
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("p2p: open added-node list: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAddedNodes)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("p2p: prepare added-node list: %w", err)
	}
	l := &AddedNodeList{
		nodes:  make(map[string]AddedNode),
		db:     db,
		now:    cfg.NowFunc,
		logger: cfg.Logger,
	}
	if l.now == nil {
		l.now = time.Now
	}
	if err := l.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *AddedNodeList) log() *slog.Logger {
	if l.logger != nil {
		return l.logger
	}
	return slog.Default().With("component", "addednodes")
}

func (l *AddedNodeList) load() error {
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAddedNodes).ForEach(func(k, v []byte) error {
			var node AddedNode
			if err := json.Unmarshal(v, &node); err != nil {
				return fmt.Errorf("record %q: %w", k, err)
			}
			l.nodes[string(k)] = node
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("p2p: load added-node list: %w", err)
	}
	l.order = make([]string, 0, len(l.nodes))
	for endpoint := range l.nodes {
		l.order = append(l.order, endpoint)
	}
	sort.Slice(l.order, func(i, j int) bool {
		a, b := l.nodes[l.order[i]], l.nodes[l.order[j]]
		if !a.AddedAt.Equal(b.AddedAt) {
			return a.AddedAt.Before(b.AddedAt)
		}
		return a.Endpoint < b.Endpoint
	})
	return nil
}

// Close releases the underlying database handle.
func (l *AddedNodeList) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Add inserts an endpoint. A member endpoint fails with ErrNodeExists.
func (l *AddedNodeList) Add(endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return fmt.Errorf("%w: empty endpoint", ErrInvalidAddress)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.nodes[endpoint]; ok {
		return ErrNodeExists
	}
	node := AddedNode{Endpoint: endpoint, AddedAt: l.now()}
	if err := l.db.Update(func(tx *bolt.Tx) error {
		payload, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAddedNodes).Put([]byte(endpoint), payload)
	}); err != nil {
		return fmt.Errorf("p2p: store added node: %w", err)
	}
	l.nodes[endpoint] = node
	l.order = append(l.order, endpoint)
	l.log().Info("node added", "endpoint", endpoint)
	return nil
}

// Remove deletes an endpoint. A non-member fails with ErrNodeNotAdded.
func (l *AddedNodeList) Remove(endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.nodes[endpoint]; !ok {
		return ErrNodeNotAdded
	}
	if err := l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAddedNodes).Delete([]byte(endpoint))
	}); err != nil {
		return fmt.Errorf("p2p: drop added node: %w", err)
	}
	delete(l.nodes, endpoint)
	for i, existing := range l.order {
		if existing == endpoint {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	l.log().Info("node removed", "endpoint", endpoint)
	return nil
}

// Contains reports exact-match membership.
func (l *AddedNodeList) Contains(endpoint string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.nodes[strings.TrimSpace(endpoint)]
	return ok
}

// Get returns the member record for an endpoint.
func (l *AddedNodeList) Get(endpoint string) (AddedNode, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	node, ok := l.nodes[strings.TrimSpace(endpoint)]
	return node, ok
}

// List copies the members in the order they were added.
func (l *AddedNodeList) List() []AddedNode {
	l.mu.RLock()
	defer l.mu.RUnlock()
	nodes := make([]AddedNode, 0, len(l.order))
	for _, endpoint := range l.order {
		nodes = append(nodes, l.nodes[endpoint])
	}
	return nodes
}
