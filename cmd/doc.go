// Package cmd implements the command-line interface of dSync. It provides
// commands for running a relay and for joining a room as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts and configures the relay server
//   - session: The sync command, an interactive client for one room
//   - discover: Lists relays announced on the local network
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See dsync -help for a list of all commands.
package cmd
