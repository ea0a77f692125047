/*
Package storage provides state persistence for Aurora's control plane.

One Store interface, two implementations: an embedded bbolt store for
single-binary deployments and a pgx-backed Postgres store selected when
DATABASE_URL is set. Callers cannot tell them apart; both enforce the
same uniqueness rules and return the same error kinds.

# Architecture

Rows are JSON documents keyed by id. The embedded store keeps them in
bbolt buckets; Postgres keeps them in JSONB columns. Sharing the
encoding means a deployment can start embedded and later dump/load
into Postgres without a migration step for the row bodies.

Buckets / tables:

	servers       one row per SSH-managed server
	ports         numbered ports, keyed by id, indexed by server
	rules         at most one forward rule per port
	usages        PortUsage counters, keyed by port id
	users         operator identities
	server_users  (server, user) grants with aggregated usage
	port_users    (port, user) grants
	files         uploaded blob metadata

# Uniqueness

Three invariants are enforced at this layer, not in handlers:

  - an active server's host:port endpoint is unique
  - an active port's number is unique per server
  - a port carries at most one rule, and a user email is unique

Postgres states them as partial unique indexes; the embedded store
checks by scanning inside the write transaction. Violations surface as
*ConflictError either way, so the API maps them to 409 without caring
which store answered.

# Error Kinds

	storage.IsNotFound(err)  lookup miss (wraps ErrNotFound)
	storage.IsConflict(err)  uniqueness violation (*ConflictError)

Handlers branch on these two predicates only; every other error is an
internal fault.

# Usage

	store, err := storage.NewBoltStore(dataDir) // or NewPostgresStore(ctx, url)
	if err != nil {
		return err
	}
	defer store.Close()

	server, err := store.GetServer(id)
	if storage.IsNotFound(err) {
		// row was deleted while we waited
	}

Counter updates go through the read-modify-write helper so two
collectors cannot interleave:

	err = store.UpdatePortUsage(portID, func(u *types.PortUsage) error {
		u.Download += delta
		return nil
	})

# Lifecycle Guard

SetRuleStatus refuses to move a rule from "running" back to
"starting". Reconcile jobs and operator retries race; the guard keeps
a late starting-write from masking a success that already landed.

# Integration Points

  - pkg/manager selects and opens the store at startup
  - pkg/api is the only writer for operator-owned fields
  - pkg/reconciler writes server facts and rule statuses
  - pkg/traffic owns the usages bucket and ServerUser counters

# See Also

  - pkg/types for row shapes and field ownership
  - DESIGN.md for the embedded-vs-Postgres decision
*/
package storage
