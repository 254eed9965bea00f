// Package testutils holds helpers shared by the engine and listener tests:
// self-signed TLS material, a loopback TestServer backed by a temporary
// event log, a raw line client, and a disk-backed object store standing in
// for S3.
package testutils
