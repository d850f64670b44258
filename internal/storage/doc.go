// Package storage groups the blob stores that finished-job log files are
// archived to: local for a directory, gcs for a Cloud Storage bucket and
// memory for tests.
package storage
