// Package tabreg provides the client-side tab identity and the device-local
// editing registry.
//
// Every client session (the "tab") carries a stable identifier from TabID().
// The Registry publishes which resource a tab is editing into a directory
// shared by all tabs of the same device, so siblings can flag conflicts
// before any server round trip. fsnotify on the directory plays the role of
// the storage-change event: siblings learn about changes without polling.
//
// The registry is strictly advisory. The server-side lease is the only
// authority on who may write; nothing in this package must ever be used to
// permit a mutation.
package tabreg
