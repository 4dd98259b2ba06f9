// Package buffer provides ordered access to byte regions shared across
// processes, the memory model beneath the counters file and log buffers.
package buffer
