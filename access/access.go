// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package access records who may take part in a shared room and what
// each participant may do there.
//
// A [Folder] holds the participant set and per-participant
// [Permission] grants for one shared folder (a room). The sync core
// never reads a Folder directly: the presence tracker and the provider
// consult an [Authorizer], which a Folder implements. Persisting the
// records and verifying room passwords belong to the caller; the folder
// only carries the password hash it was created with.
package access

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Permission names one capability a participant can hold.
type Permission string

const (
	// Read admits a peer to the room: its presence is tracked and it
	// receives document state.
	Read Permission = "read"

	// Write allows a peer's document updates to be applied.
	Write Permission = "write"

	// Share allows a peer to invite others.
	Share Permission = "share"

	// Admin allows a peer to manage participants and grants.
	Admin Permission = "admin"
)

// Permissions lists every permission in ascending order of privilege.
var Permissions = []Permission{Read, Write, Share, Admin}

// ParsePermission converts a configuration string to a Permission.
func ParsePermission(name string) (Permission, error) {
	permission := Permission(name)
	if !slices.Contains(Permissions, permission) {
		return "", fmt.Errorf("unknown permission %q (valid: read, write, share, admin)", name)
	}
	return permission, nil
}

// ErrNotParticipant is returned by Grant when the user has not been
// added to the folder.
var ErrNotParticipant = errors.New("access: not a participant")

// Authorizer answers permission checks for peers.
type Authorizer interface {
	Allowed(peerID string, permission Permission) bool
}

// AllowAll is the Authorizer used when no access records are
// configured: every peer holds every permission.
type AllowAll struct{}

func (AllowAll) Allowed(string, Permission) bool { return true }

// FolderState is a detached copy of a folder's records.
type FolderState struct {
	ID           string
	Name         string
	PasswordHash string
	Participants []string
	Permissions  map[string][]Permission
}

// Folder holds participant membership and permission grants for one
// shared folder. It is safe for concurrent use.
type Folder struct {
	id           string
	name         string
	passwordHash string

	mu           sync.RWMutex
	participants map[string]struct{}
	permissions  map[string][]Permission
}

// NewFolder creates a folder with no participants.
func NewFolder(id, name, passwordHash string) *Folder {
	return &Folder{
		id:           id,
		name:         name,
		passwordHash: passwordHash,
		participants: make(map[string]struct{}),
		permissions:  make(map[string][]Permission),
	}
}

// AddParticipant adds userID with no permissions. Adding an existing
// participant keeps its grants.
func (f *Folder) AddParticipant(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.participants[userID] = struct{}{}
	if _, ok := f.permissions[userID]; !ok {
		f.permissions[userID] = nil
	}
}

// RemoveParticipant removes userID and every grant it held.
func (f *Folder) RemoveParticipant(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.participants, userID)
	delete(f.permissions, userID)
}

// IsParticipant reports whether userID has been added.
func (f *Folder) IsParticipant(userID string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.participants[userID]
	return ok
}

// Grant gives permission to a participant. Granting a permission the
// participant already holds is a no-op.
func (f *Folder) Grant(userID string, permission Permission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.participants[userID]; !ok {
		return fmt.Errorf("granting %s to %q: %w", permission, userID, ErrNotParticipant)
	}
	if !slices.Contains(f.permissions[userID], permission) {
		f.permissions[userID] = append(f.permissions[userID], permission)
	}
	return nil
}

// Revoke removes permission from userID. Revoking from unknown users
// or permissions not held is a no-op.
func (f *Folder) Revoke(userID string, permission Permission) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list, ok := f.permissions[userID]
	if !ok {
		return
	}
	if index := slices.Index(list, permission); index >= 0 {
		f.permissions[userID] = slices.Delete(list, index, index+1)
	}
}

// HasPermission reports whether userID holds permission.
func (f *Folder) HasPermission(userID string, permission Permission) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Contains(f.permissions[userID], permission)
}

// Allowed implements Authorizer.
func (f *Folder) Allowed(peerID string, permission Permission) bool {
	return f.HasPermission(peerID, permission)
}

// Snapshot returns a deep copy of the folder's records. Participants
// are sorted.
func (f *Folder) Snapshot() FolderState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	state := FolderState{
		ID:           f.id,
		Name:         f.name,
		PasswordHash: f.passwordHash,
		Participants: make([]string, 0, len(f.participants)),
		Permissions:  make(map[string][]Permission, len(f.permissions)),
	}
	for userID := range f.participants {
		state.Participants = append(state.Participants, userID)
	}
	slices.Sort(state.Participants)
	for userID, list := range f.permissions {
		state.Permissions[userID] = slices.Clone(list)
	}
	return state
}
