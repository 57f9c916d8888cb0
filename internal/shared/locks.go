package shared

// DeferredDrainLockKey is the redis key guarding queue drains across processes.
const DeferredDrainLockKey = "grants:deferred:drain:lock"
