/*
Package counters manages the driver's shared counters file.

The file holds a table of labeled 64-bit values split into two regions: a
values region of fixed-stride slots and a metadata region carrying one
record per slot with (state, type_id, owner_id, registration_id, key,
label). The conductor is the only allocator; data-plane agents and client
processes read and write values by id through ordered loads and stores, so
a published value is visible to readers in publication order.

Freed slots are withheld from reuse for a configurable cooldown so that an
external reader paging through the table never observes a slot change
identity between reading its metadata and its value.
*/
package counters
