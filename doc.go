// Package bkrepo assembles the DDC cache service: a content-addressed
// blob store with reference documents, attachment resolution and a
// finalize lifecycle, served over HTTP.
//
// The package wires the storage backend, the blob/reference catalog
// and the HTTP layer into a runnable Server. The ddcd command in
// cmd/ddcd is a thin CLI around this package.
package bkrepo
