// Package cli provides the convertly command-line client.
//
// One invocation converts one batch: the batch is checked against the daily
// quota, each file is uploaded (waiting for queued uploads to reach the store),
// converted and downloaded into the output directory, either one by one or
// as a single zip archive.
//
// Progress lines are printed only when stdout is a terminal. A missing token
// is read from the terminal without echo. An interrupt cancels in-flight
// requests and asks the server to drop queued uploads and running jobs.
//
// The batch is started via App.Run(ctx), which blocks until every file has
// finished or the batch is aborted.
package cli
