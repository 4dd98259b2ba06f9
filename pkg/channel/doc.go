/*
Package channel parses and validates channel URIs.

A channel is written aeron:<media>?key=value|key=value with media udp or
ipc, optionally prefixed spy: to observe a network publication locally.
The | separator keeps values free to contain commas and colons, so this is
deliberately not an RFC 3986 URI.

CanonicalForm normalizes the transport-identity parameters into the key
used by the conductor's channel endpoint registry: two URIs that name the
same transport always canonicalize identically regardless of parameter
order.
*/
package channel
