// Package common contains the types shared by the provider, the relay and the
// command line tools: configuration structs, the logger factory, events,
// typed errors, url helpers and the process identity.
package common
