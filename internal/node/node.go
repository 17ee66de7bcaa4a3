// Package node: persisted agent instance id.
package node

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ID: unique id for this agent (persisted at dataDir/node_id).
type ID struct {
	mu   sync.Mutex
	id   string
	path string
}

// Load loads or generates node id under dataDir ("" = current dir).
func Load(dataDir string) (*ID, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, err
	}
	n := &ID{path: filepath.Join(dataDir, "node_id")}
	if err := n.load(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *ID) load() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, err := os.ReadFile(n.path)
	if err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			n.id = id
			return nil
		}
	} else if !os.IsNotExist(err) {
		return err
	}
	n.id = uuid.NewString()
	return os.WriteFile(n.path, []byte(n.id+"\n"), 0o600)
}

// String returns node id str.
func (n *ID) String() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.id
}

// Short first 8 chars (log prefix).
func (n *ID) Short() string {
	s := n.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
