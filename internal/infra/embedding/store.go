package embedding

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketEmbeddings    = []byte("embeddings")
	bucketContentHashes = []byte("content_hashes")
)

// Record is one persisted tool embedding.
type Record struct {
	ToolName    string    `cbor:"tool_name"`
	Vector      []float32 `cbor:"vector"`
	ContentHash string    `cbor:"content_hash"`
	Model       string    `cbor:"model"`
	Enabled     bool      `cbor:"enabled"`
	Hidden      bool      `cbor:"hidden"`
	LastUpdated time.Time `cbor:"last_updated"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("embedding: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("embedding: cbor decoder: " + err.Error())
	}
}

// store persists records in bbolt. Content hashes live in their own bucket so
// a diff can be computed without decoding vectors.
type store struct {
	db *bolt.DB
}

func openStore(path string) (*store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("embedding storage path is required")
	}
	if err := os.MkdirAll(filepath.Dir(trimmed), 0o755); err != nil {
		return nil, fmt.Errorf("ensure embedding dir: %w", err)
	}
	db, err := bolt.Open(trimmed, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open embedding db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEmbeddings, bucketContentHashes} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &store{db: db}, nil
}

func (s *store) loadAll() (map[string]Record, error) {
	out := map[string]Record{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEmbeddings).ForEach(func(key, value []byte) error {
			var record Record
			if err := decMode.Unmarshal(value, &record); err != nil {
				return fmt.Errorf("decode embedding %s: %w", key, err)
			}
			out[string(key)] = record
			return nil
		})
	})
	return out, err
}

func (s *store) hashes() (map[string]string, error) {
	out := map[string]string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContentHashes).ForEach(func(key, value []byte) error {
			out[string(key)] = string(value)
			return nil
		})
	})
	return out, err
}

// apply writes puts and deletes in one transaction.
func (s *store) apply(puts []Record, deletes []string) error {
	if len(puts) == 0 && len(deletes) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		embeddings := tx.Bucket(bucketEmbeddings)
		hashes := tx.Bucket(bucketContentHashes)
		for _, record := range puts {
			data, err := encMode.Marshal(record)
			if err != nil {
				return fmt.Errorf("encode embedding %s: %w", record.ToolName, err)
			}
			if err := embeddings.Put([]byte(record.ToolName), data); err != nil {
				return err
			}
			if err := hashes.Put([]byte(record.ToolName), []byte(record.ContentHash)); err != nil {
				return err
			}
		}
		for _, name := range deletes {
			if err := embeddings.Delete([]byte(name)); err != nil {
				return err
			}
			if err := hashes.Delete([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *store) close() error {
	return s.db.Close()
}
