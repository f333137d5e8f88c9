package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
)

// scratch is a directory owned by exactly one invocation.
type scratch struct {
	dir string
}

func acquireScratch(root, invocationID string) (*scratch, error) {
	dir := filepath.Join(root, "thumbdata-"+invocationID)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &scratch{dir: dir}, nil
}

func (s *scratch) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *scratch) release() error {
	return os.RemoveAll(s.dir)
}
