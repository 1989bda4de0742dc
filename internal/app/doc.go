// Package app composes the multisig authorization layer into a running
// application. It wires the registry, policy, and lifecycle services to a
// shared store, fans lifecycle events out to subscribers, and registers
// every component with the system manager so startup and shutdown are
// deterministic. Business rules live in internal/services; this package
// only assembles them.
package app
