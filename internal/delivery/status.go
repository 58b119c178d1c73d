package delivery

import "slices"

// Status is a message delivery status as tracked locally and reported by
// the provider.
type Status string

const (
	// Sending is the initial state for an outbound message before the
	// provider has confirmed it.
	Sending Status = "sending"
	// Sent means the provider accepted the message.
	Sent Status = "sent"
	// Delivered means the counterparty's device acknowledged the message.
	Delivered Status = "delivered"
	// Read means the counterparty read the message, or (for inbound) this
	// side issued a read receipt.
	Read Status = "read"
	// Failed is the terminal state for an outbound message the provider
	// rejected. Reachable only from Sending.
	Failed Status = "failed"
	// Received is the initial state for an inbound message.
	Received Status = "received"
)

// validTransitions defines allowed forward transitions. Polling can skip
// intermediate states, so Read is reachable directly from Received, Sent
// and Delivered.
var validTransitions = map[Status][]Status{
	Sending:   {Sent, Failed},
	Sent:      {Delivered, Read},
	Delivered: {Read},
	Received:  {Read},
	Read:      {},
	Failed:    {},
}

// rank orders the outbound pipeline so that out-of-order updates observed
// while polling can be detected and ignored.
var rank = map[Status]int{
	Sending:   0,
	Received:  0,
	Sent:      1,
	Delivered: 2,
	Read:      3,
	Failed:    3,
}

// Valid reports whether s is a known status.
func Valid(s Status) bool {
	_, ok := rank[s]
	return ok
}

// Parse maps a provider status string onto a Status, defaulting unknown
// values for inbound records to Received.
func Parse(raw string) (Status, bool) {
	s := Status(raw)
	if Valid(s) {
		return s, true
	}
	return Received, false
}

// CanAdvance reports whether moving from cur to next is a legal forward
// transition.
func CanAdvance(cur, next Status) bool {
	return slices.Contains(validTransitions[cur], next)
}

// Advance returns the status that should be recorded after observing next
// while cur is recorded. A regressing or sideways update is ignored and cur
// is returned unchanged; advanced reports whether the status moved.
func Advance(cur, next Status) (status Status, advanced bool) {
	if cur == next {
		return cur, false
	}
	if !CanAdvance(cur, next) {
		return cur, false
	}
	return next, true
}
