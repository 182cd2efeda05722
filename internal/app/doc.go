// Package app wires application dependencies for the CLI.
//
// It resolves configuration from flags, environment variables and an
// optional .env file, then builds the homeserver client and the archiving
// pipeline from Config, exposing them via the Wire struct for commands to
// use.
package app
