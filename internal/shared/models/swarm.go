package models

import (
	"encoding/hex"
	"errors"
)

// SwarmID is the raw swarm identifier. Its hex form is the lookup key used
// by the registry and by the tracker.
type SwarmID []byte

func (id SwarmID) String() string {
	return hex.EncodeToString(id)
}

var ErrInvalidSwarmID = errors.New("invalid swarm id")

func ParseSwarmID(s string) (SwarmID, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) == 0 {
		return nil, ErrInvalidSwarmID
	}
	return SwarmID(b), nil
}
