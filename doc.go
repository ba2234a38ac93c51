// Package fleetd implements the cluster coordination core of a multi-tenant
// device update service: database-backed leases, a distributed lock manager,
// recurring per-tenant cleanup, and the transactional completion workflow for
// update actions.
//
// # Running a node
//
// Every node runs the same binary against a shared database. The lease table
// inside that database is the only coordination substrate, so no extra
// infrastructure is needed for clustering:
//
//	cfg := fleetd.Config{
//	    Driver: "postgres",
//	    DSN:    "postgres://fleetd@db/fleetd",
//	}
//	srv, err := fleetd.NewServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Shutdown(context.Background())
//
// # Cleanup scheduling
//
// Registered cleanup tasks run on a fixed interval for every tenant. A
// per-(task, tenant) lease decides which node executes each pair, so each
// pair runs on exactly one node per cycle even though every node ticks.
// Leases expire on their own; a crashed node's work is picked up by a peer
// on the next cycle without manual intervention.
//
// # Action completion
//
// Controllers report update outcomes through the deployment workflow. A
// completion closes the action, appends its status history, and cascades to
// the owning target inside one transaction; repository events publish only
// after commit.
package fleetd
