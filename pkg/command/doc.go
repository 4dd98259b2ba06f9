/*
Package command defines the client control protocol.

Clients drive the driver through fixed-schema binary frames over a
many-to-one ring buffer; the conductor answers over a broadcast channel
that every client of the driver listens to, filtering by correlation id.
Each frame is a type id plus a little-endian payload. The transport
interfaces here are the seam for a true shared-memory IPC segment; the
in-process implementations carry the same ordering and back-pressure
semantics and serve the embedded driver and tests.
*/
package command
