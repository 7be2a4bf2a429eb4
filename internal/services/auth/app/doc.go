// Package server composes and runs the identity provider process.
//
// It hosts the HTTP surface plus a gRPC health endpoint. Every component
// shares one SQLite store and one Redis session store.
package server
