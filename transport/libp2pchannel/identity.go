// Package libp2pchannel is the reference transport adapter (spec §6.2):
// it carries the core's abstract messages over libp2p gossipsub topics,
// persisting node identity across restarts the way a federation member
// must to keep a stable node id.
package libp2pchannel

import (
	"encoding/json"
	"os"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// persistentIdentity is the on-disk shape of a node's long-lived libp2p
// keypair, so a restarted process keeps the same peer id.
type persistentIdentity struct {
	PrivKey []byte `json:"priv_key"`
	PeerID  string `json:"peer_id"`
}

// LoadOrCreateIdentity reads path, or mints and persists a fresh Ed25519
// identity if it does not yet exist.
func LoadOrCreateIdentity(path string) (crypto.PrivKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		var id persistentIdentity
		if err := json.Unmarshal(data, &id); err != nil {
			return nil, err
		}
		return crypto.UnmarshalPrivateKey(id.PrivKey)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	privBytes, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(persistentIdentity{PrivKey: privBytes, PeerID: pid.String()})
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, err
	}
	return priv, nil
}
