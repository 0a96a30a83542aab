// Package state keeps filled documents on the local filesystem, one JSON file
// per (report, job) pair under <root>/results/<report id>/.
package state
