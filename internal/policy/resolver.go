// Package policy resolves the per-conversation limits the lifecycle engine
// enforces: auto-delete TTLs per direction, the pin ceiling and the recall window.
package policy

import (
	"context"
	"fmt"
	"time"

	"dmserver/internal/constants"
	"dmserver/internal/models"
)

// SettingsStore looks up the auto-delete setting an owner chose for a conversation.
type SettingsStore interface {
	GetAutoDelete(ctx context.Context, ownerID, otherID string) (models.AutoDeleteSetting, error)
}

type Resolver struct {
	settings     SettingsStore
	pinCeiling   int
	recallWindow time.Duration
}

func NewResolver(settings SettingsStore, cfg models.PolicyConfig) *Resolver {
	pinCeiling := cfg.MaxPinnedPerConversation
	if pinCeiling <= 0 {
		pinCeiling = constants.DefaultMaxPinnedPerConversation
	}
	recallHours := cfg.RecallWindowHours
	if recallHours <= 0 {
		recallHours = constants.DefaultRecallWindowHours
	}
	return &Resolver{
		settings:     settings,
		pinCeiling:   pinCeiling,
		recallWindow: time.Duration(recallHours) * time.Hour,
	}
}

// AutoDeleteTTL returns the TTL ownerID applies to messages exchanged with
// otherID. ok is false when messages never expire.
func (r *Resolver) AutoDeleteTTL(ctx context.Context, ownerID, otherID string) (time.Duration, bool, error) {
	setting, err := r.settings.GetAutoDelete(ctx, ownerID, otherID)
	if err != nil {
		return 0, false, fmt.Errorf("failed to resolve auto-delete setting: %w", err)
	}
	if setting == "" {
		setting = models.AutoDeleteNever
	}
	return setting.Duration()
}

// ExpiresAt computes the expiry of a replica owned by ownerID written at the given time.
func (r *Resolver) ExpiresAt(ctx context.Context, ownerID, otherID string, at time.Time) (*time.Time, error) {
	ttl, ok, err := r.AutoDeleteTTL(ctx, ownerID, otherID)
	if err != nil || !ok {
		return nil, err
	}
	expires := at.Add(ttl)
	return &expires, nil
}

// PinCeiling is the most logical messages that may be pinned in one conversation.
func (r *Resolver) PinCeiling() int {
	return r.pinCeiling
}

// RecallWindow is how long after its timestamp a message may be recalled.
func (r *Resolver) RecallWindow() time.Duration {
	return r.recallWindow
}
