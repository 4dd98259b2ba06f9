/*
Package driver implements the conductor, the control-plane agent of the
Strand media driver.

The conductor owns the full lifecycle of publications, subscriptions,
channel endpoints, and images, mediates between client processes and the
sender and receiver agents, and maintains the shared counters and term-log
files that form the driver's contract with clients.

# Architecture

One thread owns everything. Clients enqueue commands on a many-to-one ring
buffer; the sender and receiver post typed events through the conductor
proxy; the conductor drains both on its duty cycle and answers over a
broadcast channel:

	             commands                responses / notifications
	clients ──► ring buffer ──┐      ┌──► broadcast ──► clients
	                          ▼      │
	                    ┌──────────────────┐
	   sender  ◄─proxy─ │    Conductor     │ ─proxy─►  receiver
	   queue            │  (single thread) │           queue
	                    └──────────────────┘
	                          ▲
	   sender/receiver ───────┘
	   conductor-bound events (create image, endpoint error, re-resolve)

Every duty cycle runs a fixed order: refresh clocks, fire due timers, drain
the internal event queue, poll client commands (skipped while a data-plane
proxy applies back-pressure), publish stream positions, and advance name
resolution.

Entities share one lifecycle shape, Created, Active, Draining or Linger,
Freed, enforced through the ManagedResource capability swept on the
heartbeat pass. A resource enters linger when its reference count first
reaches zero or its upstream ends; its log file is unlinked only after
subscribers drain or time out.
*/
package driver
