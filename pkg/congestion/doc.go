// Package congestion provides receiver window strategies and the feedback
// delay generators that pace NAK and status traffic from receiver groups.
package congestion
