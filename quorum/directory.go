package quorum

import (
	"context"
	"fmt"

	"github.com/ruteri/threshold-vault-backend/cryptoutils"
	"github.com/ruteri/threshold-vault-backend/interfaces"
)

// GroupConfig is the static definition of one group.
type GroupConfig struct {
	Threshold int           `yaml:"threshold"`
	Admins    []AdminConfig `yaml:"admins"`
}

// AdminConfig is one administrator entry. PublicKeyPEM is optional.
type AdminConfig struct {
	UserID       string `yaml:"user_id"`
	Email        string `yaml:"email"`
	PublicKeyPEM string `yaml:"public_key_pem"`
}

// StaticDirectory serves group membership from configuration.
type StaticDirectory struct {
	groups map[string]GroupConfig
}

// NewStaticDirectory validates and wraps the configured groups.
func NewStaticDirectory(groups map[string]GroupConfig) (*StaticDirectory, error) {
	for groupID, g := range groups {
		if g.Threshold < 1 {
			return nil, fmt.Errorf("group %q: threshold must be at least 1", groupID)
		}
		seen := make(map[string]bool, len(g.Admins))
		for _, a := range g.Admins {
			if a.UserID == "" {
				return nil, fmt.Errorf("group %q: admin without user_id", groupID)
			}
			if seen[a.UserID] {
				return nil, fmt.Errorf("group %q: duplicate admin %q", groupID, a.UserID)
			}
			seen[a.UserID] = true
			if a.PublicKeyPEM != "" {
				if err := cryptoutils.ValidatePublicKeyPEM([]byte(a.PublicKeyPEM)); err != nil {
					return nil, fmt.Errorf("group %q admin %q: %w", groupID, a.UserID, err)
				}
			}
		}
	}
	return &StaticDirectory{groups: groups}, nil
}

func (d *StaticDirectory) Admins(_ context.Context, groupID string) ([]interfaces.GroupAdmin, error) {
	g, ok := d.groups[groupID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	admins := make([]interfaces.GroupAdmin, len(g.Admins))
	for i, a := range g.Admins {
		admins[i] = interfaces.GroupAdmin{UserID: a.UserID, Email: a.Email}
		if a.PublicKeyPEM != "" {
			admins[i].PublicKeyPEM = []byte(a.PublicKeyPEM)
		}
	}
	return admins, nil
}

func (d *StaticDirectory) Threshold(_ context.Context, groupID string) (int, error) {
	g, ok := d.groups[groupID]
	if !ok {
		return 0, interfaces.ErrNotFound
	}
	return g.Threshold, nil
}
