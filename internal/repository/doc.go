// Package repository defines the data access interface for the mesh
// observer's state store.
//
// The Store interface owns every persisted entity: nodes, gateways,
// packets, per-gateway hop observations, gateway hear metrics, and derived
// direct links. The actual implementation is in the sqlite subpackage.
//
// # Write Semantics
//
// Every write is an idempotent upsert keyed on the entity's natural key.
// Redelivering the same transport message converges to the same rows, and
// unique-constraint conflicts from concurrent duplicate inserts are
// resolved as updates, never surfaced as errors. Packet and hop writes for
// one sighting share a transaction so readers never observe a packet
// without a hop.
//
// # Freshness Gating
//
// Node sub-records (info, position, metrics) and all last-seen style
// columns are gated on observation timestamps rather than arrival order,
// which keeps state correct under out-of-order transport delivery.
package repository
