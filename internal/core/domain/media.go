package domain

import (
	"errors"
	"fmt"
	"strconv"
)

// MediaRole is the logical meaning of one transceiver slot on the peer
// connection. The four roles always exist, in RoleOrder, whether or not the
// user has granted hardware access for them.
type MediaRole string

const (
	RoleCameraVideo     MediaRole = "camera-video"
	RoleMicrophoneAudio MediaRole = "microphone-audio"
	RoleScreenVideo     MediaRole = "screen-video"
	RoleScreenAudio     MediaRole = "screen-audio"
)

// RoleOrder fixes the transceiver layout. Both endpoints create their
// transceivers in this order, so slot index N means the same role on each
// side without inspecting track content.
var RoleOrder = [4]MediaRole{
	RoleCameraVideo,
	RoleMicrophoneAudio,
	RoleScreenVideo,
	RoleScreenAudio,
}

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

func (r MediaRole) Kind() TrackKind {
	if r == RoleMicrophoneAudio || r == RoleScreenAudio {
		return TrackKindAudio
	}
	return TrackKindVideo
}

// RoleMap is the slot-index-to-role mapping the offerer transmits alongside
// its offer. The answerer trusts it when routing received tracks.
type RoleMap map[string]MediaRole

func FixedRoleMap() RoleMap {
	m := make(RoleMap, len(RoleOrder))
	for i, role := range RoleOrder {
		m[strconv.Itoa(i)] = role
	}
	return m
}

// RoleAt resolves a slot index against the map.
func (m RoleMap) RoleAt(index int) (MediaRole, bool) {
	role, ok := m[strconv.Itoa(index)]
	return role, ok
}

func (m RoleMap) Validate() error {
	if len(m) != len(RoleOrder) {
		return fmt.Errorf("role map has %d entries, want %d", len(m), len(RoleOrder))
	}
	seen := make(map[MediaRole]bool, len(m))
	for _, role := range m {
		if seen[role] {
			return fmt.Errorf("role map repeats role %q", role)
		}
		seen[role] = true
	}
	return nil
}

// ErrMediaUnavailable reports that toggling a role on could not reach live
// hardware; the call keeps running on the placeholder track.
var ErrMediaUnavailable = errors.New("media hardware unavailable")
