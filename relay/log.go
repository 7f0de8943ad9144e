package relay

// Logging convention in the `relay` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation.
//     this includes:
//     - backpressure and forced disconnects
//     - store failures and abnormal exits
// Error:
//     unrecoverable crash details
// V(1):
//     per-connection lifecycle events (login, watch, unwatch, disconnect)
// V(2):
//     frequent events - e.g. add updates, broadcast, ack -
//     filterable by the `[tag]` prefix and ids in each line

// tags used in log lines:
// [h]  sync handler
// [ts] transport send
// [tr] transport receive
// [st] update store
