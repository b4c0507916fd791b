// Package components defines the entity attributes the core attaches
// (spec §3), as plain Go structs stored through the ecs.Attributes
// string-keyed store. Keeping them in one package lets ghost, authority,
// and egress share the wire shape without importing one another.
package components

import "github.com/pjanec/fastdataplane/core/ecs"

// Attribute keys, used with ecs.Attributes.Get/Set/Remove/Has.
const (
	KeyNetworkIdentity       = "NetworkIdentity"
	KeyPrimaryAuthority      = "PrimaryAuthority"
	KeyDescriptorOwnership   = "DescriptorOwnership"
	KeyGhostStore            = "GhostStore"
	KeySpawnRequest          = "SpawnRequest"
	KeyEgressPublicationState = "EgressPublicationState"
	KeyChildMap              = "ChildMap"
	KeyPartMetadata          = "PartMetadata"
	KeyLifecycleState        = "LifecycleState"
)

// NetworkIdentity is plain, immutable for the entity's lifetime (§3).
type NetworkIdentity struct {
	ID uint64
}

// PrimaryAuthority is the entity-wide default authority (§3).
type PrimaryAuthority struct {
	OwnerNode uint32
	LocalNode uint32
}

// HasAuthority implements `has_authority := owner_node == local_node`.
func (p PrimaryAuthority) HasAuthority() bool { return p.OwnerNode == p.LocalNode }

// DescriptorOwnership holds per-descriptor overrides of PrimaryAuthority,
// keyed by PackedKey (§3). Absent entries fall through to primary.
type DescriptorOwnership struct {
	Map map[uint64]uint32
}

// NewDescriptorOwnership returns an empty override map.
func NewDescriptorOwnership() *DescriptorOwnership {
	return &DescriptorOwnership{Map: make(map[uint64]uint32)}
}

// GhostStore is present iff the entity is still a ghost (§3). Removed on
// promotion.
type GhostStore struct {
	Stash         map[uint64][]byte
	FirstSeenTick int64
	IdentifiedTick *int64
}

// NewGhostStore returns an empty stash first seen at firstSeenTick.
func NewGhostStore(firstSeenTick int64) *GhostStore {
	return &GhostStore{Stash: make(map[uint64][]byte), FirstSeenTick: firstSeenTick}
}

// SpawnRequest is present once the master descriptor identifies the
// ghost's blueprint (§3); required for promotion.
type SpawnRequest struct {
	BlueprintID uint64
	Initiator   uint32
}

// EgressPublicationState is the bandwidth decision cache (§3): linked,
// transient (excluded from replay snapshots, §9).
type EgressPublicationState struct {
	LastChunkVersion uint64
	LastTick         map[uint64]uint64
	Dirty            map[uint64]struct{}
}

// Persistence reports this attribute's snapshot-inclusion tag (§9
// "transient attributes excluded from snapshots").
func (EgressPublicationState) Persistence() string { return "transient" }

// NewEgressPublicationState returns an empty state.
func NewEgressPublicationState() *EgressPublicationState {
	return &EgressPublicationState{LastTick: make(map[uint64]uint64), Dirty: make(map[uint64]struct{})}
}

// ChildMap routes sub-entity descriptors on a parent (§3).
type ChildMap struct {
	Children map[uint32]ecs.Entity // instance_id -> child entity
}

// NewChildMap returns an empty ChildMap.
func NewChildMap() *ChildMap { return &ChildMap{Children: make(map[uint32]ecs.Entity)} }

// PartMetadata is on a child; enables hierarchical authority + orphan
// cleanup (§3).
type PartMetadata struct {
	Parent            ecs.Entity
	InstanceID        uint32
	DescriptorOrdinal uint32
}
