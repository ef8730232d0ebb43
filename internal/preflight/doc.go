// Package preflight checks that the host can run the pipeline before
// the daemon starts: a writable data directory with free space, enough
// file descriptors for the store and watcher, and a reachable embedding
// provider.
//
//	checker := preflight.New(cfg)
//	results := checker.RunAll(ctx)
//	if preflight.HasCriticalFailures(results) {
//	    // refuse to start
//	}
package preflight
