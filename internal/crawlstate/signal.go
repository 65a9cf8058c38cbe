package crawlstate

import (
	"fmt"
	"os"
	"time"
)

// DefaultSignalPath is the sentinel file that requests a checkpoint.
const DefaultSignalPath = ".save_state_trigger"

// Signal reports whether an out-of-band checkpoint has been requested.
type Signal interface {
	Present() bool
}

// FileSignal is present while its file exists.
type FileSignal struct {
	Path string
}

// Present polls the sentinel file.
func (s FileSignal) Present() bool {
	if s.Path == "" {
		return false
	}
	_, err := os.Stat(s.Path)
	return err == nil
}

// Raise creates the sentinel file, asking a running crawl to checkpoint.
func (s FileSignal) Raise() error {
	if s.Path == "" {
		return fmt.Errorf("signal path is required")
	}
	stamp := []byte(time.Now().UTC().Format(time.RFC3339) + "\n")
	if err := os.WriteFile(s.Path, stamp, 0o600); err != nil {
		return fmt.Errorf("write signal file: %w", err)
	}
	return nil
}

// Clear removes the sentinel file if present.
func (s FileSignal) Clear() error {
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove signal file: %w", err)
	}
	return nil
}

type noSignal struct{}

func (noSignal) Present() bool { return false }
