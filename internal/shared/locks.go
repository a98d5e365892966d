package shared

// HierarchyLockKey is the pg_advisory_xact_lock key that serialises writes to
// the role hierarchy. Concurrent reparenting could otherwise form a cycle that
// neither transaction sees on its own.
const HierarchyLockKey int64 = 7_262_616_301

// BootstrapLockKey serialises seeding of the system role vocabulary.
const BootstrapLockKey int64 = 7_262_616_302
