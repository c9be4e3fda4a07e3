/*
Package concurrent holds the low-level primitives shared by the bus, the task
queue and metric storage.

  - RingBuffer: fixed-capacity circular buffer with atomic cursors. Slots carry
    sequence numbers so several writers and readers can advance the cursors by
    CAS without a mutex.
  - Queue: unbounded-until-limit Michael–Scott queue. Push and Pop never block.
  - Pool: fixed-size block allocator with sharded local caches in front of a
    shared lock-free free list.
*/
package concurrent
