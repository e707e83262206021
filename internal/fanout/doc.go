// Package fanout delivers limit alerts to their subscribers. It defines the
// Coordinator (lookup, claim, dispatch per subscriber), the Service (bounded
// async hand-off from the event listener), and the Directory and Ledger
// interfaces the stores implement.
package fanout
