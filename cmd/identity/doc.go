// Package identity is parley's user directory.
//
// It answers one question for the messaging engine: does a user id exist.
// Authentication happens upstream; callers arrive here with an id that has
// already been verified. The package also owns user registration for dev
// seeding and admin tooling, plus the ULID primitive used for generated ids.
package identity
