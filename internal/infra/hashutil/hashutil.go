package hashutil

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"magictunnel/internal/domain"
)

// ContentHash hashes the embedding-relevant content of a tool: name, description and schema.
// The schema is canonicalized so key order does not change the hash.
func ContentHash(tool domain.Tool) (string, error) {
	schema, err := canonicalJSON(tool.InputSchema)
	if err != nil {
		return "", fmt.Errorf("canonicalize schema for %s: %w", tool.Name, err)
	}
	h := blake3.New()
	_, _ = h.Write([]byte(tool.Name))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(tool.Description))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(schema)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ToolETag returns a hash of a tool listing and logs on failure.
func ToolETag(logger *zap.Logger, tools []domain.Tool) string {
	h := blake3.New()
	for _, tool := range tools {
		sum, err := ContentHash(tool)
		if err != nil {
			if logger != nil {
				logger.Warn("tool hash failed", zap.String("tool", tool.Name), zap.Error(err))
			}
			return ""
		}
		_, _ = h.Write([]byte(sum))
		if tool.Hidden {
			_, _ = h.Write([]byte{'h'})
		}
		if tool.Enabled {
			_, _ = h.Write([]byte{'e'})
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	var decoded any
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return nil, err
	}
	// encoding/json sorts map keys on output.
	return json.Marshal(decoded)
}

// Key hashes parts into a fixed-length cache key. Parts are NUL-separated.
func Key(parts ...string) string {
	h := blake3.New()
	for i, part := range parts {
		if i > 0 {
			_, _ = h.Write([]byte{0})
		}
		_, _ = h.Write([]byte(part))
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}
