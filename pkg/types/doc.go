/*
Package types defines the core data structures used throughout Aurora.

This package contains all fundamental types that represent Aurora's domain
model: servers, ports, forward rules, usage counters, users and grants,
uploaded files, and queue jobs. These types are used by all other packages
for state management, API payloads, and reconciliation logic.

# Architecture

The types package is the foundation of Aurora's data model. It defines:

  - Fleet topology (servers reached over SSH, their numbered ports)
  - Forward rules and the per-method configuration union
  - Usage accounting (byte counters with reset-surviving accumulators)
  - Policy primitives (rate limits, quotas, expiry deadlines)
  - Identity primitives (users, server grants, port grants)
  - Blob metadata for uploaded files (SSH keys, shipped binaries)
  - Queue jobs and their payloads

All types are designed to be:
  - Serializable (JSON, both for storage and the wire)
  - Owned by exactly one writer (see field comments for which layer)
  - Validated (typed string constants for enums, strict per-method
    rule schemas in pkg/translator)

# Core Types

Fleet:
  - Server: SSH coordinates, auth material, and the core-owned fact bag
  - ServerConfig: detected system facts, service states, binary paths,
    per-method disable flags, and the applied bootstrap checksum
  - Port: a numbered listening port on a server
  - PortConfig: rate/quota/expiry policy for one port

Rules:
  - ForwardRule: one forwarding assignment per port
  - Method: the forwarding technology tag (iptables, gost, v2ray, ...)
  - RuleConfig: union of per-method parameters
  - RuleStatus: starting, running, failed

Accounting and policy:
  - PortUsage: window counters, monotonic accumulators, raw checkpoints
  - LimitAction: what trips when a quota or deadline is exceeded,
    from throttle tiers up to rule deletion

Identity:
  - User: operator identity (superuser bootstrap only; auth beyond
    that is handled outside the core)
  - ServerUser: grants a user a server plus aggregated usage
  - PortUser: grants a user a single port

Blobs and jobs:
  - File: metadata for an uploaded blob, typed for mode selection
  - Job: the serializable unit of work pulled by queue workers
  - payloads in jobs.go: RulePayload, PortCleanPayload, ServerPayload,
    ServerCleanPayload, ShapePayload, ResetPayload

# Usage

Creating a server and a forwarded port:

	server := &types.Server{
		ID:   uuid.New().String(),
		Name: "hk-1",
		Host: "203.0.113.7",
		Port: 22,
		User: "root",
		IsActive: true,
	}

	port := &types.Port{
		ID:       uuid.New().String(),
		ServerID: server.ID,
		Num:      10000,
		Config: types.PortConfig{
			EgressLimit: 100000, // kbit
			Quota:       50 << 30,
			QuotaAction: types.ActionSpeedLimit1M,
		},
		IsActive: true,
	}

	rule := &types.ForwardRule{
		ID:     uuid.New().String(),
		PortID: port.ID,
		Method: types.MethodGost,
		Config: types.RuleConfig{
			Type:          "ALL",
			RemoteAddress: "origin.example.com",
			RemotePort:    443,
		},
		Status: types.RuleStatusStarting,
	}

# Rule Lifecycle

Rules follow a small state machine driven by the reconciler:

	Starting → Running
	    ↓         ↓
	  Failed ← Failed (host error, captured journal tail in Config.Error)

The storage layer enforces the lifecycle guard: a late "starting" write
never overwrites "running", so an operator retry racing a finishing job
cannot mask success.

# Usage Counters

PortUsage separates three views of the same traffic:

  - Download/Upload: the current accounting window, reset by operators
  - DownloadAccumulate/UploadAccumulate: monotonic totals that survive
    remote counter resets
  - DownloadCheckpoint/UploadCheckpoint: last raw remote values, used
    to detect that a host-side counter was zeroed

The traffic collector owns all six fields; everything else reads.

# Design Patterns

Enumeration pattern:

	All enums use typed string constants (Method, RuleStatus, FileType,
	JobStatus) except LimitAction, which is an int ladder because the
	throttle tiers are ordered.

Ownership pattern:

	Field comments name the owning layer. ServerConfig.System, Services,
	Binaries and Init belong to the reconciler; PortConfig belongs to
	the policy layer; PortUsage belongs to the traffic collector. Other
	packages treat foreign fields as read-only.

Payload pattern:

	Job payloads carry row IDs, not rows, so a job observes the freshest
	state when it finally runs. The one exception is ServerCleanPayload,
	which snapshots the whole server row because the row is already
	deleted by the time the job executes.

# Integration Points

This package integrates with:

  - pkg/storage: persists all types (bbolt or Postgres)
  - pkg/api: request/response shapes reuse these types
  - pkg/translator: turns Server+Port+Rule into ActionPlans
  - pkg/reconciler: applies plans, owns ServerConfig facts
  - pkg/traffic: owns PortUsage and ServerUser byte counters
  - pkg/queue: serializes Job and the payload structs

# Thread Safety

Types here carry no locks. The storage layer serializes writes; loaded
rows are private copies that may be mutated freely before being written
back. Concurrent mutation of one in-memory instance is the caller's
problem.

# See Also

  - pkg/storage for the persistence schema
  - pkg/translator for per-method RuleConfig validation
  - DESIGN.md for ownership rationale
*/
package types
