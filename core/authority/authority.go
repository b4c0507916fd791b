// Package authority implements the AuthorityStore (spec §4.E): primary
// ownership plus per-descriptor overrides with hierarchical resolution,
// frame-boundary change detection, and ingress application.
package authority

import (
	"log/slog"
	"sync"

	"github.com/pjanec/fastdataplane/core/components"
	"github.com/pjanec/fastdataplane/core/ecs"
	"github.com/pjanec/fastdataplane/core/messages"
)

// Publisher emits OwnershipUpdate onto the wire for changed
// (entity, key) pairs.
type Publisher interface {
	PublishOwnershipUpdate(id uint64, key uint64, newOwner uint32)
}

// NetworkIDResolver maps a local entity to its NetworkIdentity id, needed
// to stamp OwnershipUpdate.ID on egress.
type NetworkIDResolver interface {
	Reverse(entity ecs.Entity) (uint64, bool)
}

// EntityResolver maps a NetworkIdentity id back to its local entity, for
// ingress.
type EntityResolver interface {
	Resolve(id uint64) (ecs.Entity, bool)
}

type cacheKey struct {
	entity ecs.Entity
	key    uint64
}

// Store is the AuthorityStore.
type Store struct {
	mu sync.RWMutex

	logger    *slog.Logger
	publisher Publisher
	ids       NetworkIDResolver
	entities  EntityResolver
	localNode uint32

	snapshot map[cacheKey]uint32
}

// New constructs a Store. localNode is this process's node id, used to
// compute AuthorityChanged.IsAuthoritative on ingress.
func New(localNode uint32, ids NetworkIDResolver, entities EntityResolver, publisher Publisher, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger:    logger.With("component", "authority"),
		publisher: publisher,
		ids:       ids,
		entities:  entities,
		localNode: localNode,
		snapshot:  make(map[cacheKey]uint32),
	}
}

// resolveRoot walks PartMetadata.parent pointers to the hierarchy root
// (§4.E, §9 "climbing parent pointers until PartMetadata is absent").
func resolveRoot(attrs ecs.Attributes, entity ecs.Entity) ecs.Entity {
	current := entity
	for {
		v, ok := attrs.Get(current, components.KeyPartMetadata)
		if !ok {
			return current
		}
		pm := v.(components.PartMetadata)
		current = pm.Parent
	}
}

// HasAuthority reports primary authority of the resolved root.
func HasAuthority(attrs ecs.Attributes, entity ecs.Entity) bool {
	root := resolveRoot(attrs, entity)
	v, ok := attrs.Get(root, components.KeyPrimaryAuthority)
	if !ok {
		return false
	}
	return v.(components.PrimaryAuthority).HasAuthority()
}

// HasAuthorityForKey resolves root, then checks the per-descriptor
// override before falling through to primary authority (§4.E).
func HasAuthorityForKey(attrs ecs.Attributes, entity ecs.Entity, key uint64) bool {
	root := resolveRoot(attrs, entity)
	if v, ok := attrs.Get(root, components.KeyDescriptorOwnership); ok {
		ownership := v.(*components.DescriptorOwnership)
		if owner, overridden := ownership.Map[key]; overridden {
			return owner == ownerOf(attrs, root)
		}
	}
	return HasAuthority(attrs, entity)
}

func ownerOf(attrs ecs.Attributes, entity ecs.Entity) uint32 {
	v, ok := attrs.Get(entity, components.KeyPrimaryAuthority)
	if !ok {
		return 0
	}
	return v.(components.PrimaryAuthority).LocalNode
}

// SetOwner writes a per-descriptor override into entity's
// DescriptorOwnership map, creating it if absent.
func (s *Store) SetOwner(attrs ecs.Attributes, entity ecs.Entity, key uint64, nodeID uint32) {
	root := resolveRoot(attrs, entity)
	v, ok := attrs.Get(root, components.KeyDescriptorOwnership)
	var ownership *components.DescriptorOwnership
	if !ok {
		ownership = components.NewDescriptorOwnership()
		attrs.Set(root, components.KeyDescriptorOwnership, ownership)
	} else {
		ownership = v.(*components.DescriptorOwnership)
	}
	ownership.Map[key] = nodeID
}

// DiffAndPublish runs the egress change-detection pass (§4.E): diff each
// entity's DescriptorOwnership against the cached snapshot, emit
// OwnershipUpdate for changes, and update the cache. Call once per frame
// in Post-Sim, over every live root entity carrying DescriptorOwnership.
func (s *Store) DiffAndPublish(attrs ecs.Attributes, roots []ecs.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[cacheKey]struct{})
	for _, root := range roots {
		v, ok := attrs.Get(root, components.KeyDescriptorOwnership)
		if !ok {
			continue
		}
		ownership := v.(*components.DescriptorOwnership)
		for key, owner := range ownership.Map {
			ck := cacheKey{entity: root, key: key}
			seen[ck] = struct{}{}
			if prev, ok := s.snapshot[ck]; ok && prev == owner {
				continue
			}
			s.snapshot[ck] = owner
			s.publish(root, key, owner)
		}
	}
	// Entries that disappeared from the live set are left in the
	// snapshot: an OwnershipUpdate removal protocol is out of scope —
	// the spec only defines additive overrides (§3, §4.E).
	_ = seen
}

func (s *Store) publish(root ecs.Entity, key uint64, owner uint32) {
	if s.publisher == nil || s.ids == nil {
		return
	}
	id, ok := s.ids.Reverse(root)
	if !ok {
		return
	}
	s.publisher.PublishOwnershipUpdate(id, key, owner)
}

// OnOwnershipUpdate is the ingress handler for a received OwnershipUpdate
// (§4.E): resolve entity, write the map, and return an AuthorityChanged
// event for application systems to consume. ok is false if the id does
// not resolve to a live entity (late/stale update, silently dropped).
func (s *Store) OnOwnershipUpdate(attrs ecs.Attributes, upd messages.OwnershipUpdate) (AuthorityChanged, bool) {
	if s.entities == nil {
		return AuthorityChanged{}, false
	}
	entity, ok := s.entities.Resolve(upd.ID)
	if !ok {
		return AuthorityChanged{}, false
	}
	s.SetOwner(attrs, entity, upd.PackedKey, upd.NewOwner)

	s.mu.Lock()
	root := resolveRoot(attrs, entity)
	s.snapshot[cacheKey{entity: root, key: upd.PackedKey}] = upd.NewOwner
	s.mu.Unlock()

	return AuthorityChanged{
		Entity:          entity,
		Key:             upd.PackedKey,
		IsAuthoritative: upd.NewOwner == s.localNode,
	}, true
}

// AuthorityChanged is the local-only event emitted on ingress (§4.E).
type AuthorityChanged struct {
	Entity          ecs.Entity
	Key             uint64
	IsAuthoritative bool
}
