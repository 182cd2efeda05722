// Package commands defines the marchive CLI and wires dependencies for
// subcommands.
//
// Commands
//
//   - archive       Walk room history into a chronological JSONL archive
//   - rooms         List joined rooms and their display names
//   - keys inspect  Summarise an exported room keys bundle
//
// # Implementation
//
// Configuration merges three layers: a .env file in the working directory,
// MARCHIVE_* environment variables, and flags (highest precedence). Anything
// still missing that a command needs, such as the account password or the
// key bundle passphrase, is prompted for interactively and never stored.
package commands
