// Package messenger defines the asynchronous messaging transport contract
// and its adapters. The core never sees transport details, only destination
// addresses and text.
package messenger

import "context"

// Message is one inbound message. Group and broadcast traffic is delivered
// by some adapters but always ignored by the core.
type Message struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	Group     bool   `json:"group"`
	Broadcast bool   `json:"broadcast"`
}

// Sender delivers one outbound text. No delivery receipt is consumed.
type Sender interface {
	Send(ctx context.Context, to string, text string) error
}

// Handler consumes inbound direct messages.
type Handler func(ctx context.Context, msg Message)
