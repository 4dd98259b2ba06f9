package driver

// ManagedResource is the liveness protocol shared by every entity the
// conductor sweeps on its heartbeat pass.
type ManagedResource interface {
	// OnTimeEvent advances time-driven state
	OnTimeEvent(nowNs, nowMs int64, c *Conductor)

	// HasReachedEndOfLife reports whether the resource can be released
	HasReachedEndOfLife() bool

	// Free releases external resources; returns false when the release
	// must be retried on a later tick
	Free() bool

	// Close runs after a successful Free to detach the resource from the
	// conductor's registries
	Close(c *Conductor)
}

// checkManagedResources sweeps one registry: time events first, then
// end-of-life resources are freed and compacted out. A failed free leaves
// the resource in place for the next tick and bumps the free-fails counter.
func checkManagedResources[T ManagedResource](list []T, nowNs, nowMs int64, c *Conductor) []T {
	for i := 0; i < len(list); {
		resource := list[i]
		resource.OnTimeEvent(nowNs, nowMs, c)

		if resource.HasReachedEndOfLife() {
			if resource.Free() {
				resource.Close(c)
				list = append(list[:i], list[i+1:]...)
				continue
			}
			c.systemCounters.freeFails.Increment()
			metricsFreeFail()
		}
		i++
	}
	return list
}
