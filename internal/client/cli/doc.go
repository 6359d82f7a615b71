// Package cli provides the interactive mycoRegister command-line client.
//
// It wires configuration, the secure session store, the connectivity
// monitor, the session manager and the sync coordinator into an interactive
// REPL that supports online/offline operation. Records are always read and
// written locally; replication runs in the background whenever the session
// manager reports sync-online.
//
// The REPL is started via App.Run(ctx), which blocks until the user exits.
package cli
