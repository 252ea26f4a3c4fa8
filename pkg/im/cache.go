package im

import (
	"math"
	"sync"

	"github.com/hedda/mattercontrol/pkg/im/message"
)

// wildcard is the sentinel stored in an attributeKey field when the
// corresponding AttributePathIB field was absent (nil). It is chosen
// outside the valid range of every ID type used below.
const wildcard = math.MaxUint64

// attributeKey is the canonical, fixed-size lookup key for a concrete
// attribute path. Every field is always present (wildcard fields use the
// sentinel above), so two paths describing the same attribute always
// produce equal keys regardless of which optional fields were set.
type attributeKey struct {
	node      uint64
	endpoint  uint64
	cluster   uint64
	attribute uint64
}

func keyFor(path *message.AttributePathIB) attributeKey {
	k := attributeKey{node: wildcard, endpoint: wildcard, cluster: wildcard, attribute: wildcard}
	if path.Endpoint != nil {
		k.endpoint = uint64(*path.Endpoint)
	}
	if path.Cluster != nil {
		k.cluster = uint64(*path.Cluster)
	}
	if path.Attribute != nil {
		k.attribute = uint64(*path.Attribute)
	}
	return k
}

// concreteKey builds the cache key for a fully-resolved (non-wildcard)
// attribute, as addressed by Get/Set on the InteractionClient.
func concreteKey(endpoint message.EndpointID, cluster message.ClusterID, attribute message.AttributeID) attributeKey {
	return attributeKey{
		node:      wildcard,
		endpoint:  uint64(endpoint),
		cluster:   uint64(cluster),
		attribute: uint64(attribute),
	}
}

// CachedValue is a value observed through a subscription report, along
// with the cluster data version it was reported at.
type CachedValue struct {
	Value       []byte
	DataVersion message.DataVersion
}

// AttributeCache holds the last value reported for each attribute this
// client has subscribed to. It is populated exclusively by subscription
// reports (see Invariants, §3): Set on the InteractionClient never writes
// here, and Get only ever reads here — it never issues a network request
// on behalf of a cache hit.
//
// Last writer wins per key; concurrent reports for distinct keys never
// contend on the same entry.
type AttributeCache struct {
	mu     sync.RWMutex
	values map[attributeKey]CachedValue
}

// NewAttributeCache creates an empty cache.
func NewAttributeCache() *AttributeCache {
	return &AttributeCache{values: make(map[attributeKey]CachedValue)}
}

// Get returns the cached value for an attribute, if one has been observed.
func (c *AttributeCache) Get(endpoint message.EndpointID, cluster message.ClusterID, attribute message.AttributeID) (CachedValue, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[concreteKey(endpoint, cluster, attribute)]
	return v, ok
}

// Put records an observed value, overwriting whatever was there before.
func (c *AttributeCache) Put(path *message.AttributePathIB, value []byte, version message.DataVersion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[keyFor(path)] = CachedValue{Value: value, DataVersion: version}
}
