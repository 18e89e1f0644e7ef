// Package scheduler turns cron specs and fixed intervals into task engine
// submissions. It only triggers; execution, retries and overlap handling
// belong to internal/task/engine.
package scheduler
