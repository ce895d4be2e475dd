package service

import (
	"sort"
	"sync"

	apperrors "wanderlink/internal/errors"
	"wanderlink/internal/models"
)

var callTransitions = map[models.CallState][]models.CallState{
	models.CallRinging:  {models.CallActive, models.CallRejected, models.CallEnded},
	models.CallIncoming: {models.CallActive, models.CallRejected, models.CallEnded},
	models.CallActive:   {models.CallEnded},
}

func canTransitionCall(from, to models.CallState) bool {
	for _, s := range callTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CallRegistry tracks call signaling state. Rejected and ended calls are
// removed once they reach that state. There is at most one live call per
// peer.
type CallRegistry struct {
	selfID string

	mu    sync.Mutex
	calls map[string]models.Call
}

// NewCallRegistry creates an empty registry
func NewCallRegistry(selfID string) *CallRegistry {
	return &CallRegistry{selfID: selfID, calls: make(map[string]models.Call)}
}

// Add registers a new ringing or incoming call
func (r *CallRegistry) Add(call models.Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[call.CallID]; exists {
		return apperrors.New(apperrors.ErrCodeDuplicate, "call already exists").
			WithContext("call_id", call.CallID)
	}
	peer := call.PeerOf(r.selfID)
	for _, c := range r.calls {
		if c.PeerOf(r.selfID) == peer {
			return apperrors.New(apperrors.ErrCodeInvalidTransition, "a call with this peer is already in progress").
				WithContext("call_id", c.CallID).
				WithUserMessage("You are already in a call with this traveler")
		}
	}
	r.calls[call.CallID] = call
	return nil
}

// Get returns the live call with id
func (r *CallRegistry) Get(callID string) (models.Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	return c, ok
}

// Transition moves a live call to state to
func (r *CallRegistry) Transition(callID string, to models.CallState) (models.Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.calls[callID]
	if !ok {
		return models.Call{}, apperrors.NewNotFoundError("call", callID)
	}
	if !canTransitionCall(c.State, to) {
		return c, apperrors.New(apperrors.ErrCodeInvalidTransition, "invalid call state change").
			WithContext("call_id", callID).
			WithContext("from", string(c.State)).
			WithContext("to", string(to)).
			WithUserMessage("That action is not available right now")
	}

	c.State = to
	if to == models.CallRejected || to == models.CallEnded {
		delete(r.calls, callID)
	} else {
		r.calls[callID] = c
	}
	return c, nil
}

// EndWith ends every call with peerID and returns them
func (r *CallRegistry) EndWith(peerID string) []models.Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ended []models.Call
	for id, c := range r.calls {
		if c.PeerOf(r.selfID) == peerID {
			c.State = models.CallEnded
			ended = append(ended, c)
			delete(r.calls, id)
		}
	}
	return ended
}

// Active returns the live calls ordered by start time
func (r *CallRegistry) Active() []models.Call {
	r.mu.Lock()
	out := make([]models.Call, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Len returns the number of live calls
func (r *CallRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
