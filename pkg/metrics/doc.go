/*
Package metrics provides Prometheus metrics for the Strand media driver.

The driver's primary observability surface is its shared counters file
(package counters), which clients and operators read directly from shared
memory. The Prometheus metrics here mirror the conductor-level aggregates
so fleet dashboards can scrape them without mapping the counters file.

Metrics are registered once at package init and exported via Handler().
*/
package metrics
