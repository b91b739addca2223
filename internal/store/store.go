// Package store checkpoints the core's exported snapshots to disk. The
// core itself never persists anything; these files are the external
// store's concern, fed from Export*/Import* on the node.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/permissionlesstech/bitchat-go/internal/crypto"
	"github.com/permissionlesstech/bitchat-go/internal/domain"
)

const (
	identityFile = "identity.enc"
	peersFile    = "peers.json"
	deliveryFile = "delivery.json"
)

// FileStore keeps snapshots under one directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore returns a store rooted at dir.
func NewFileStore(dir string) *FileStore { return &FileStore{dir: dir} }

// SaveIdentity encrypts the node identity under the passphrase.
func (s *FileStore) SaveIdentity(passphrase string, id *crypto.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	blob, err := crypto.EncryptSecret(passphrase, raw)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, identityFile), blob, 0o600)
}

// LoadIdentity decrypts the node identity.
func (s *FileStore) LoadIdentity(passphrase string) (*crypto.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, err := os.ReadFile(filepath.Join(s.dir, identityFile))
	if err != nil {
		return nil, err
	}
	raw, err := crypto.DecryptSecret(passphrase, blob)
	if err != nil {
		return nil, err
	}
	var id crypto.Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

// SavePeers checkpoints the peer registry snapshot.
func (s *FileStore) SavePeers(peers []domain.PeerIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(filepath.Join(s.dir, peersFile), peers, 0o600)
}

// LoadPeers reads the peer snapshot; a missing file yields no peers.
func (s *FileStore) LoadPeers() ([]domain.PeerIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var peers []domain.PeerIdentity
	if err := readJSON(filepath.Join(s.dir, peersFile), &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

// SaveDeliveryRecords checkpoints delivery history for UIs.
func (s *FileStore) SaveDeliveryRecords(recs []domain.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(filepath.Join(s.dir, deliveryFile), recs, 0o600)
}

// LoadDeliveryRecords reads delivery history.
func (s *FileStore) LoadDeliveryRecords() ([]domain.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var recs []domain.DeliveryRecord
	if err := readJSON(filepath.Join(s.dir, deliveryFile), &recs); err != nil {
		return nil, err
	}
	return recs, nil
}
