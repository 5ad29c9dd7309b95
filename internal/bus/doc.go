// Package bus carries broadcast signals from the reconciler to whoever
// renders or refreshes state. Publishing never blocks; every subscriber
// owns an unbounded FIFO queue.
package bus
