// Package metering delivers usage reports to the billing collector.
//
// A Pipeline owns dispatch for the whole process. In batching mode reports go
// through a BatchQueue that flushes on size or on a timer; otherwise each report
// is sent immediately in the background. Delivery is best effort: the Client
// retries transient failures a bounded number of times and drops the report
// after that. Nothing here blocks or fails the request that produced a report.
package metering
