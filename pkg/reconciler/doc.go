/*
Package reconciler executes ActionPlans against remote servers.

A plan arrives from a queue worker, already translated from a forward
rule (or from a teardown/bootstrap request). The reconciler serializes
execution per server, drives each step over one SSH connection, records
the combined output as an artifact, and settles the owning rule's
status.

# Execution flow

	           ┌─────────────┐
	  job ───▶ │ server lock │  one plan per server at a time
	           └──────┬──────┘
	                  │
	         rule? ── ▼ ──────────── status := starting
	           ┌─────────────┐
	           │  dial (SSH) │
	           └──────┬──────┘
	                  │
	           ┌──────▼──────┐   ensure_binary / write_config /
	           │  run steps  │   write_service / install_filter /
	           └──────┬──────┘   apply_shaping / probe_facts / ...
	                  │
	        ┌─────────┴─────────┐
	        ▼                   ▼
	   all succeeded        step failed
	   status := running    status := failed
	   runner := job id     error := message + journal tail

Step semantics:

  - ensure_binary: skipped when the server already reports a version;
    installs from the panel file store (MD5-skipped upload) or the OS
    package manager, then records the version probe's first line.
  - write_config / write_service: content lands only when the remote
    MD5 differs; units are daemon-reloaded, enabled and restarted, and
    must report active.
  - install_filter / apply_shaping: the filter helper is synced by MD5
    once per plan, then invoked with the step's arguments. Counter
    output stays in the captured stream for the usage roll-up.
  - probe_facts: OS identity, architecture, kernel and the
    filter-persistence state, persisted on the server row.
  - ensure_inventory: regenerates the control-host inventory file.

Failures are compact: the step error plus the unit's last journal
messages, stripped of journal prefixes, stored on the rule for the UI.
A plan that touched filter counters feeds its captured output through
the usage recorder with accumulate set, so byte counts survive rule
rewrites.

Plans cancel at step boundaries only; an executing remote command runs
to completion.
*/
package reconciler
