/*
Package workflow defines the firmware update workflow types and primitives.

# Workflows

A workflow tracks exactly one device being updated to one firmware
version as part of one campaign. The workflow ID is derived from the
campaign ID and the device ID so that starting the same campaign for the
same device more than once always refers to the same workflow.

Workflows move through a fixed set of states:

	QUEUED -> PREPARING -> DOWNLOADING -> APPLYING -> COMPLETE
	                       DOWNLOADING -> ROLLBACK -> ROLLED_BACK
	                          APPLYING -> ROLLBACK
	        (any non-terminal state)   -> FAILED

COMPLETE, FAILED, and ROLLED_BACK are terminal. A terminal workflow is
never exited and never deleted.

# Activities

Each non-terminal state has an activity associated with it. QUEUED runs
the readiness check, PREPARING dispatches the update command to the
device, DOWNLOADING and APPLYING await the device's status reports (the
verification poll), APPLYING additionally commits the new firmware
version with the device registry once the device reports it applied the
update, and ROLLBACK sends a revert command then awaits its
acknowledgement.

Each activity has its own attempt counter. Attempts are recorded in
storage before the activity is executed so that a crash mid-activity
still counts the attempt.

# Transitions

A Transition describes one conditional change to a stored workflow. It
names the state the workflow is expected to be in (and optionally the
expected revision) along with the new state and attempt counter deltas.
Storage backends reject transitions whose expectations do not match
what is stored.
*/
package workflow
