// Package scope defines the closed vocabulary clients use to request profile
// data: singular fields, plural categories, the flags refining those
// categories, the tags a granted entity can carry, and the identifier kinds
// fake ids are minted under.
//
// Anything outside this vocabulary is rejected when the client registry is
// loaded, so the rest of the engine can switch exhaustively over these values.
package scope
