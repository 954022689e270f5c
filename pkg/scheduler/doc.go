/*
Package scheduler implements box-sizing task placement for the manager.

The scheduler decides two things for every ready task: which connected
worker should run it, and how much of that worker's resources to reserve
(the task's "box"). It holds no connection or task state of its own; the
manager calls ChooseWorker and ChooseResources once per placement attempt
and passes in whatever candidates and worker model apply at that moment.

# Candidate ordering

ChooseWorker is handed every connected, non-blocked worker that has a
resource model. It drops any worker whose largest allocation is smaller
than a dimension the task explicitly requested, and order() ranks the rest
by the active Policy:

  - PolicyFCFS: earliest connection first.
  - PolicyTime: least recently heard-from worker first.
  - PolicyFiles: worker ID order (there is no file-cache model).
  - PolicyRandom: a shuffle drawn from a generator seeded at construction,
    so a fixed seed gives reproducible placement.
  - PolicyWorstFit and any other value: worker ID order.

For every policy but worst-fit, ChooseWorker returns the first worker in
that order whose model Fits() the box ChooseResources computes for it.
chooseWorstFit instead considers every candidate whose box fits and keeps
the one with the most free capacity (free cores plus free memory in GiB),
so load spreads across the pool; ties go to the lower worker ID.

# Box sizing

ChooseResources applies the category's allocation mode in four steps:

 1. If the task requested nothing in a dimension, DynamicMax proposes the
    category's current Max allocation for that dimension.
 2. Under FIXED mode (or when the caller forces proportional placement),
    the box is computed as a fraction of the worker's Largest box, scaled
    by how large the task's requested resources are relative to that
    worker.
 3. If neither produces a usable box, ChooseResources falls back to
    reserving the whole worker.
 4. The result is clamped to the category's Min so a task can never be
    granted less than its floor.

This mirrors the box-sizing behavior of cctools' work_queue scheduler:
unspecified dimensions grow to fill the box rather than defaulting to the
smallest possible reservation, which keeps FAST_ABORT-prone tasks from
starving on a too-small allocation.
*/
package scheduler
