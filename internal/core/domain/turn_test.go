package domain

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ProcessingStatus
		want     bool
	}{
		{StatusIdle, StatusProcessing, true},
		{StatusIdle, StatusAwaitingAction, false},
		{StatusProcessing, StatusProcessing, true},
		{StatusProcessing, StatusAwaitingAction, true},
		{StatusProcessing, StatusFailed, true},
		{StatusAwaitingAction, StatusProcessing, true},
		{StatusAwaitingAction, StatusIdle, false},
		{StatusAwaitingFollowup, StatusFailed, true},
		{StatusAwaitingFollowup, StatusIdle, false},
		{StatusFailed, StatusProcessing, true},
		{StatusFailed, StatusIdle, true},
		{StatusFailed, StatusAwaitingFollowup, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCanTransition_NewTurnFromAnyStatus(t *testing.T) {
	for _, from := range []ProcessingStatus{StatusIdle, StatusProcessing, StatusAwaitingAction, StatusAwaitingFollowup, StatusFailed} {
		if !CanTransition(from, StatusProcessing) {
			t.Errorf("CanTransition(%s, processing) = false, want a new turn to supersede it", from)
		}
	}
}
