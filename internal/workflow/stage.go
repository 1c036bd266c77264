// ABOUTME: Order fulfilment stages and the allowed edges between them
// ABOUTME: Stages only move forward; CANCELED is terminal and reachable from 1-3

package workflow

import (
	"fmt"
	"strings"
)

// Stage is an order's position in the fulfilment pipeline.
type Stage int

// Stage values, ordered.
const (
	StageQueue         Stage = 1
	StagePreparation   Stage = 2
	StageDeliveryRoute Stage = 3
	StageDelivered     Stage = 4
	StageCanceled      Stage = 5
)

var stageNames = map[Stage]string{
	StageQueue:         "QUEUE",
	StagePreparation:   "PREPARATION",
	StageDeliveryRoute: "DELIVERY_ROUTE",
	StageDelivered:     "DELIVERED",
	StageCanceled:      "CANCELED",
}

// edges lists every allowed transition.
var edges = map[Stage][]Stage{
	StageQueue:         {StagePreparation, StageCanceled},
	StagePreparation:   {StageDeliveryRoute, StageCanceled},
	StageDeliveryRoute: {StageDelivered, StageCanceled},
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STAGE(%d)", int(s))
}

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	_, ok := stageNames[s]
	return ok
}

// IsTerminal reports whether no transition leaves s.
func (s Stage) IsTerminal() bool {
	return s == StageDelivered || s == StageCanceled
}

// CanTransition reports whether from → to is an allowed edge.
func CanTransition(from, to Stage) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseStage accepts a stage name (case-insensitive) or its number.
func ParseStage(s string) (Stage, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for stage, name := range stageNames {
		if name == s || fmt.Sprint(int(stage)) == s {
			return stage, nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", s)
}
