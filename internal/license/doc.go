// Package license is the client side of the licence system. It decides
// whether an installation of the host application may run.
//
// # Architecture Overview
//
// The package consists of several components:
//
//	- Engine: composition of the parts below; the single entry point
//	- Validate: pure local verdict over a cached licence
//	- ApplyGrace: offline ceiling on top of the local verdict
//	- FileStore: encrypted licence cache on disk
//	- Client: registry HTTP client (activate, validate, usage)
//	- Dispatcher: non-blocking batched usage delivery
//
// # Verdict Flow
//
// At startup the engine loads the cache and evaluates it locally. When the
// local verdict is invalid or the last sync is older than a day it
// reconciles with the registry once; a network or server failure falls back to the cached
// licence as long as the last successful sync is within MaxOfflineDays.
//
//	engine, _ := license.NewEngine(license.EngineDeps{...})
//	v := engine.Startup(ctx)
//	if !v.Valid {
//		// block the application and show v.Reason
//	}
//
// # Storage
//
// The cache is an AES-256-GCM payload whose key is derived with scrypt from
// a random per-installation key file. A cache that cannot be decrypted is
// treated as "no licence"; the engine never runs on a cache it
// cannot read.
//
// # Concurrency
//
// Engine methods are safe for concurrent use. Reconcile calls collapse into
// one in-flight request and store writes are serialised.
package license
