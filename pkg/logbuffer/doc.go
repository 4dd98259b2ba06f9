/*
Package logbuffer defines the on-disk layout of term logs and the factory
that creates them.

A log is a single file of three fixed-length term buffers used round-robin,
followed by a metadata trailer carrying the per-partition tail counters,
active term count, end-of-stream position, correlation id, initial term id,
MTU, term length, page size, and the default data frame header. The
conductor creates and deletes logs; publishers, the sender, and the
receiver map the same file and coordinate exclusively through the trailer's
ordered fields.
*/
package logbuffer
