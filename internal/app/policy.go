package app

import (
	"fmt"
	"strings"

	"github.com/dkeye/conference/internal/domain"
)

// VacuumAction is what happens to the readers of a vacuumed stream.
type VacuumAction int

const (
	KeepReaders VacuumAction = iota
	DisconnectReaders
)

type Policy interface {
	OnStreamVacuumed(stream domain.StreamID, readers []domain.HandleID) VacuumAction
}

// SimplePolicy applies the same action to every vacuumed stream.
type SimplePolicy struct {
	Action VacuumAction
}

func (p SimplePolicy) OnStreamVacuumed(domain.StreamID, []domain.HandleID) VacuumAction {
	return p.Action
}

// ParseReaderPolicy maps the config value keep|disconnect to a policy.
func ParseReaderPolicy(s string) (SimplePolicy, error) {
	switch strings.ToLower(s) {
	case "", "keep":
		return SimplePolicy{Action: KeepReaders}, nil
	case "disconnect":
		return SimplePolicy{Action: DisconnectReaders}, nil
	default:
		return SimplePolicy{}, fmt.Errorf("unknown reader policy %q", s)
	}
}
