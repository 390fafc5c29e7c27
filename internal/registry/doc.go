// Package registry is the server side of the licence system: the authority
// that binds device fingerprints to licence keys and enforces device quotas.
//
// Activation and validation of one licence are serialised through a Locker
// (in-process or Redis) so concurrent requests can never bind more devices
// than a licence allows. Storage is pluggable; MemoryStore serves tests and
// SQLStore serves PostgreSQL and SQLite.
package registry
