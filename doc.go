/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# dbcache: the monitoring configuration cache

dbcache holds the configuration of a monitoring server (hosts, items, triggers
and the functions linking triggers to items) in one fixed size memory region
that several worker processes can map and share, and decides when each item
is checked next and by which pool of workers.

## Layout of the region

* Arena, a segregated free list allocator with boundary tags. Blocks are
  addressed by offset so the region may be mapped at any address.

* String pool, a reference counted hash table of interned strings. Host names,
  item keys, intervals and error messages are stored once however many
  entities use them.

* Records, fixed layout entity records tagged by kind. The per process index
  (by id, by host and key, by due time) is derived from the records and
  rebuilt whenever another process changed the region.

## Concurrency

Every cache operation runs under one lock: a semaphore for goroutines of the
process and an flock on a lock file for other processes. A generation counter
in the region tells a process its index is out of date.

## Scheduling

An item with update interval d is checked at d*k + hash(itemid)%d, spreading
items of equal interval evenly over the interval. Flexible intervals override
the delay inside their windows, host maintenance postpones checks to the end
of the window and unreachable hosts move their items to a dedicated poller
pool with exponential backoff.

## Processes

* configuration syncer, loads the database every sync_interval_s and applies
  the difference.

* pollers, one set of workers per poller type claiming due items.

* self monitoring, samples how busy every worker type is.

Every server provides its statistics and Prometheus metrics over HTTP.
*/

package dbcache
