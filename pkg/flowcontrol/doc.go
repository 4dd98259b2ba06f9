// Package flowcontrol provides the sender-limit strategies of network
// publications: unicast chases the single receiver, max multicast lets the
// fastest member of a receiver group set the pace.
package flowcontrol
