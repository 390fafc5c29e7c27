// Package app holds the composition roots of the licence system.
//
// # Registry server
//
// Application wires the registry: configuration, logging and OpenTelemetry,
// the licence store (memory, SQLite or Postgres), the per-key locker (local
// or Redis), the optional NATS usage consumer and the HTTP router.
//
//	app, err := app.NewApplication()
//	if err != nil {
//	    return err
//	}
//	return app.Run()
//
// Run blocks until SIGINT or SIGTERM, then drains in-flight requests and
// closes the store, Redis and NATS connections.
//
// # Agent
//
// Agent wires the installation side: the encrypted local store, the device
// fingerprint, the registry client, the usage dispatcher and the engine. The
// host application calls Startup once and gates on the verdict, then calls
// Run to keep the licence fresh in the background.
//
// Neither root calls os.Exit; errors are returned to main.
package app
