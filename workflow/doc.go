/*
Package workflow defines the canonical WorkFlowZen steps and the
derived progress of the workflow.

# Steps

A procurement/payment process moves through nine fixed steps, from
consultation to accounting transfer. Steps are identified by their
ordinal (1-9). Most steps are associated with a record kind: a step is
completed when at least one record of its kind exists. Data entry,
payment approval and accounting transfer have no record kind and are
never completed automatically; they are advanced by pinning.

# Current step

The current step is the first step that is not completed unless a step
has been pinned, in which case the pinned step is current regardless of
its completion. Every pin is kept in a bounded, newest-first history
that also drives the idle reminder: when neither the pin nor the history
has changed for longer than a threshold the current step is idle.

The pinned step, its change time and the history are persisted as app
state entries (see KeyCurrentStepID and friends) and are loaded into a
StepState value.
*/
package workflow
