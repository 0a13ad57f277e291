// Package queue admits provider jobs into a bounded priority queue and
// dispatches them through per-provider concurrency lanes.
//
// Admission is capped by Config.Capacity. Jobs leave the queue in priority
// order (high, normal, low) and FIFO within a priority. A job whose attempt
// fails may be rescheduled by the RetryFunc; it keeps its slot and its
// original position among jobs of the same priority, becoming eligible
// again after the retry delay.
//
// Group coalesces identical requests so that one leader dispatches while
// followers wait on the same Flight. The job carrying a flight runs at the
// highest priority among its waiters.
package queue
