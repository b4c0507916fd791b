package authority_test

import (
	"testing"

	"github.com/pjanec/fastdataplane/core/authority"
	"github.com/pjanec/fastdataplane/core/components"
	"github.com/pjanec/fastdataplane/core/ecs"
	"github.com/pjanec/fastdataplane/core/messages"
	"github.com/pjanec/fastdataplane/internal/testecs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIDs struct{ byEntity map[ecs.Entity]uint64 }

func (f fakeIDs) Reverse(e ecs.Entity) (uint64, bool) { id, ok := f.byEntity[e]; return id, ok }

type fakeEntities struct{ byID map[uint64]ecs.Entity }

func (f fakeEntities) Resolve(id uint64) (ecs.Entity, bool) { e, ok := f.byID[id]; return e, ok }

type recordingPublisher struct {
	updates []messages.OwnershipUpdate
}

func (p *recordingPublisher) PublishOwnershipUpdate(id uint64, key uint64, newOwner uint32) {
	p.updates = append(p.updates, messages.OwnershipUpdate{ID: id, PackedKey: key, NewOwner: newOwner})
}

func TestAuthority_HasAuthority_ResolvesRootThroughParent(t *testing.T) {
	host := testecs.New()
	root := host.CreateEntity()
	child := host.CreateEntity()
	host.Set(root, components.KeyPrimaryAuthority, components.PrimaryAuthority{OwnerNode: 1, LocalNode: 1})
	host.Set(child, components.KeyPartMetadata, components.PartMetadata{Parent: root, InstanceID: 1, DescriptorOrdinal: 5})

	assert.True(t, authority.HasAuthority(host, child))
	assert.True(t, authority.HasAuthority(host, root))
}

func TestAuthority_HasAuthorityForKey_OverrideWins(t *testing.T) {
	host := testecs.New()
	root := host.CreateEntity()
	host.Set(root, components.KeyPrimaryAuthority, components.PrimaryAuthority{OwnerNode: 1, LocalNode: 1})

	key := messages.PackedKey(5, 0)
	store := authority.New(1, nil, nil, nil, nil)

	assert.True(t, authority.HasAuthorityForKey(host, root, key), "no override yet: falls through to primary")

	store.SetOwner(host, root, key, 2)
	assert.False(t, authority.HasAuthorityForKey(host, root, key), "override hands the key to node 2")
}

func TestAuthority_DiffAndPublish_OnlyEmitsOnChange(t *testing.T) {
	host := testecs.New()
	root := host.CreateEntity()
	ids := fakeIDs{byEntity: map[ecs.Entity]uint64{root: 42}}
	pub := &recordingPublisher{}
	store := authority.New(1, ids, nil, pub, nil)

	key := messages.PackedKey(5, 0)
	store.SetOwner(host, root, key, 2)

	store.DiffAndPublish(host, []ecs.Entity{root})
	require.Len(t, pub.updates, 1)
	assert.Equal(t, uint64(42), pub.updates[0].ID)
	assert.EqualValues(t, 2, pub.updates[0].NewOwner)

	// second pass with no change must not re-publish
	store.DiffAndPublish(host, []ecs.Entity{root})
	assert.Len(t, pub.updates, 1)

	// a real change re-publishes
	store.SetOwner(host, root, key, 3)
	store.DiffAndPublish(host, []ecs.Entity{root})
	require.Len(t, pub.updates, 2)
	assert.EqualValues(t, 3, pub.updates[1].NewOwner)
}

func TestAuthority_OnOwnershipUpdate_AppliesAndReportsAuthoritative(t *testing.T) {
	host := testecs.New()
	entity := host.CreateEntity()
	host.Set(entity, components.KeyPrimaryAuthority, components.PrimaryAuthority{OwnerNode: 5, LocalNode: 5})
	entities := fakeEntities{byID: map[uint64]ecs.Entity{99: entity}}
	store := authority.New(5, nil, entities, nil, nil)

	key := messages.PackedKey(5, 0)
	changed, ok := store.OnOwnershipUpdate(host, messages.OwnershipUpdate{ID: 99, PackedKey: key, NewOwner: 5})
	require.True(t, ok)
	assert.Equal(t, entity, changed.Entity)
	assert.True(t, changed.IsAuthoritative, "new owner equals local node")
	assert.True(t, authority.HasAuthorityForKey(host, entity, key))
}

func TestAuthority_OnOwnershipUpdate_UnknownIDIsDropped(t *testing.T) {
	host := testecs.New()
	store := authority.New(1, nil, fakeEntities{byID: map[uint64]ecs.Entity{}}, nil, nil)
	_, ok := store.OnOwnershipUpdate(host, messages.OwnershipUpdate{ID: 404})
	assert.False(t, ok)
}
