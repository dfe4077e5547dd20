// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package controller runs research requests end to end.

The Controller is the top-level façade over the research pipeline: it
validates requests, allocates run IDs and cancel tokens, persists run
records, and drives the workflow graph in per-run goroutines bounded by
a semaphore. It is the single writer of terminal events, so every run's
stream ends with exactly one of completion+done, cancelled+done, or
error+done — or parks open when the run awaits a human answer.

# Lifecycle

A run moves through pending → running → {completed, awaiting_review,
cancelled, failed}:

  - StartRun: validate, persist a pending record, launch the goroutine,
    return the run ID and event stream.
  - Cancel: cooperative. Active runs observe the token at their next
    checkpoint; parked runs are finalized directly. Cancelling a
    completed run returns false.
  - Resume: reload the latest durable checkpoint and continue from the
    recorded node, feeding the payload to human review as the user's
    answer.
  - StartDraining / WaitForDrain / Close: refuse new work, wait for
    active runs, cancel stragglers, close the store.

# Durability

Run records live in the backend store (memory or sqlite); full engine
state lives in checkpoints written at every node boundary. The record is
a listing surface — the checkpoint is what resume trusts. Record writes
are best effort and never fail a run.

# Subpackages

  - backend: run and checkpoint storage (memory, sqlite)
*/
package controller
