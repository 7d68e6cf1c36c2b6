// Package reindex schedules full from-scratch rebuilds across many realms.
//
// Realms are split into batches of BatchSize. Within a batch at most
// Concurrency realms rebuild at once; between batches the scheduler pauses
// for Cooldown. Every rebuild is bounded by JobTimeout and a realm that
// exceeds it is reported as JOB_TIMEOUT without stopping the run.
package reindex
