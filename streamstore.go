// Package streamstore is an append-only event-stream storage engine with a
// uniform API over pluggable physical backends.
//
// Clients append immutable messages to named streams under optimistic
// concurrency control, read forwards or backwards from a stream or from the
// global log, manage per-stream retention metadata, and subscribe to
// new-message notifications.
//
// The engine layers consistent semantics over any backend implementing the
// Driver interface: validation and guard clauses, lazy page-driven reads,
// metadata-driven message expiry with a bounded cache, best-effort background
// scavenging of expired messages, and a polling change notifier that drives
// catch-up subscriptions. Backends in this repository: inmemory, sqlitestore
// and pebblestore.
//
//	driver := inmemory.New()
//	store, err := streamstore.New(driver, streamstore.Settings{})
//	if err != nil { ... }
//	defer store.Close()
//
//	msg, _ := streamstore.NewJSONMessage("order-placed", `{"total":42}`)
//	_, err = store.AppendToStream(ctx, "order-123",
//		streamstore.ExpectedVersionNoStream, []streamstore.NewStreamMessage{msg})
package streamstore
