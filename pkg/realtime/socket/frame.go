package socket

import (
	"wanderlink/internal/models"
)

// Frame is the JSON message exchanged with the relay.
//
//	subscribe   {kind, topic}
//	unsubscribe {kind, topic}
//	publish     {kind, id, topic, envelope}  relay answers with ack or error
//	event       {kind, topic, envelope}      relay to client
//	ack         {kind, id}
//	error       {kind, id?, error}
type Frame struct {
	Kind     string           `json:"kind"`
	ID       string           `json:"id,omitempty"`
	Topic    string           `json:"topic,omitempty"`
	Envelope *models.Envelope `json:"envelope,omitempty"`
	Error    string           `json:"error,omitempty"`
}
