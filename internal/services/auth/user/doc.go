// Package user defines the canonical identity records: users, their emails,
// phone numbers and addresses.
//
// Every constructor normalizes and validates untrusted input before it can be
// persisted, and reports offending attributes as field errors so a form can
// show all of them at once. Records also expose per-attribute fingerprints,
// which is all the status engine needs to tell a client what changed.
package user
