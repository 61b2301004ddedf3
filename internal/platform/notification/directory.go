package notification

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Directory resolves audiences into concrete recipients.
type Directory interface {
	ResolveRole(ctx context.Context, role string) ([]Recipient, error)
	ResolveUser(ctx context.Context, id string) (Recipient, error)
}

// directoryFile is the on-disk YAML layout.
type directoryFile struct {
	Recipients []Recipient `yaml:"recipients"`
}

// StaticDirectory is an in-memory Directory, typically loaded from YAML.
// Replace swaps the whole recipient set atomically.
type StaticDirectory struct {
	mu     sync.RWMutex
	byID   map[string]Recipient
	byRole map[string][]string
}

// NewStaticDirectory builds a directory from the given recipients.
func NewStaticDirectory(recipients ...Recipient) *StaticDirectory {
	d := &StaticDirectory{}
	d.Replace(recipients)
	return d
}

// LoadDirectoryFile reads a YAML recipient list from path.
func LoadDirectoryFile(path string) (*StaticDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}
	return ParseDirectory(data)
}

// ParseDirectory decodes a YAML recipient list.
func ParseDirectory(data []byte) (*StaticDirectory, error) {
	recipients, err := parseRecipients(data)
	if err != nil {
		return nil, err
	}
	return NewStaticDirectory(recipients...), nil
}

// ReloadFile re-reads path and replaces the recipient set. On error the
// current set is kept.
func (d *StaticDirectory) ReloadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read directory file: %w", err)
	}
	recipients, err := parseRecipients(data)
	if err != nil {
		return err
	}
	d.Replace(recipients)
	return nil
}

func parseRecipients(data []byte) ([]Recipient, error) {
	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse directory: %w", err)
	}
	seen := make(map[string]bool, len(f.Recipients))
	for i, r := range f.Recipients {
		if r.ID == "" {
			return nil, fmt.Errorf("parse directory: recipient %d has no id", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("parse directory: duplicate recipient id %q", r.ID)
		}
		seen[r.ID] = true
	}
	return f.Recipients, nil
}

// Len returns the number of recipients.
func (d *StaticDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}

// Replace installs a new recipient set.
func (d *StaticDirectory) Replace(recipients []Recipient) {
	byID := make(map[string]Recipient, len(recipients))
	byRole := make(map[string][]string)
	for _, r := range recipients {
		byID[r.ID] = r
		for _, role := range r.Roles {
			byRole[role] = append(byRole[role], r.ID)
		}
	}
	for role := range byRole {
		sort.Strings(byRole[role])
	}
	d.mu.Lock()
	d.byID = byID
	d.byRole = byRole
	d.mu.Unlock()
}

// ResolveRole returns every recipient holding role, ordered by id. An unknown
// role resolves to no recipients.
func (d *StaticDirectory) ResolveRole(_ context.Context, role string) ([]Recipient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := d.byRole[role]
	out := make([]Recipient, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.byID[id])
	}
	return out, nil
}

// ResolveUser returns the recipient with the given id.
func (d *StaticDirectory) ResolveUser(_ context.Context, id string) (Recipient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.byID[id]
	if !ok {
		return Recipient{}, fmt.Errorf("%w: %q", ErrUnknownRecipient, id)
	}
	return r, nil
}
