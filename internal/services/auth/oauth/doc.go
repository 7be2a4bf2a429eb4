// Package oauth is the browser and client facing HTTP surface of the
// identity provider.
//
// It owns request parsing, the session cookie and the JSON rendering of
// authorization steps, and it issues the access tokens clients present to
// the user API. Every decision about what a user must enter or authorize is
// delegated to the authorize engine.
package oauth
