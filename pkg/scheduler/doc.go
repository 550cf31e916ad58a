/*
Package scheduler implements the two-level fairness policy that bounds how
many jobs run at once, system-wide and per user.

A job is admitted immediately if the system has a free slot and its owner is
below maxActivePerUser; otherwise it waits on a global FIFO and a per-user
FIFO simultaneously. When a running job completes, the scheduler first tries
to promote more of that same user's queued work (fairness: a user's own jobs
drain in order), then falls back to the head of the global FIFO, skipping
any job whose owner is still at their per-user cap.

This bounds the worst case: no single user can hold more than
maxActivePerUser slots, and the remaining capacity is served in arrival
order across every other user.
*/
package scheduler
