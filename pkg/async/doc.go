// Package async provides panic-safe background execution.
//
// SafeGo runs one fire-and-forget task with a timeout; failures are logged.
// It backs the asynchronous permission grant rebuild.
//
// WorkerPool runs tasks from a bounded queue on a fixed set of goroutines.
// It backs the audit emitter, where a full queue drops events rather than
// blocking the request.
package async
