// Package lockstore wraps the shared key/value store used for
// distributed coordination.
//
// The scheduler fleet relies on four primitives, all of which must be
// atomic on the store side:
//   - conditional set-if-absent with TTL (lease acquisition)
//   - compare-and-delete keyed on the stored value (safe release)
//   - compare-and-extend keyed on the stored value (lease renewal)
//   - publish/subscribe (lifecycle events)
//
// Two drivers exist: "redis" for production fleets and "memory" for
// tests and single-node development. The memory driver honors TTLs so
// lease-expiry behavior can be exercised without a real store.
package lockstore
