package store

import (
	"fmt"
	"strings"

	"github.com/lunarch/savepoint/pkg/errmodel"
)

// ParticipantKind classifies a public participant key.
type ParticipantKind string

const (
	KindPlayer    ParticipantKind = "player"
	KindSpectator ParticipantKind = "spectator"
)

// KeyScheme is the participant-key classification rule the store consumes.
// Player and spectator keys are distinguished by prefix; the document
// layer issues the keys, the store only recognizes them.
type KeyScheme struct {
	PlayerPrefix    string
	SpectatorPrefix string
}

// DefaultKeyScheme returns the scheme the game engine issues keys under:
// player keys start with "p", spectator keys with "s".
func DefaultKeyScheme() KeyScheme {
	return KeyScheme{PlayerPrefix: "p", SpectatorPrefix: "s"}
}

// Classify maps a participant key to its kind. Keys whose prefix matches
// neither scheme entry fail with a key_format error; lookups never run
// for them.
func (s KeyScheme) Classify(key string) (ParticipantKind, error) {
	switch {
	case s.PlayerPrefix != "" && strings.HasPrefix(key, s.PlayerPrefix):
		return KindPlayer, nil
	case s.SpectatorPrefix != "" && strings.HasPrefix(key, s.SpectatorPrefix):
		return KindSpectator, nil
	default:
		return "", errmodel.KeyFormat(fmt.Sprintf("participant key %q matches no recognized prefix", key))
	}
}
