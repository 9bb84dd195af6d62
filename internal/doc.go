// Package internal contains the core implementation packages for
// livepreview.
//
// # Package Organization
//
//   - tokenizer: streaming HTML tokenizer producing node payloads with exact
//     source offsets, plus the payload diff used for patches
//   - livedoc: live documents and the registry mapping paths to URLs
//   - server: the request-filtering server and its listener contract
//   - static: the HTTP listener browsers load the project from
//   - transport: the websocket host multiplexing page connections, and the
//     page side of the same protocol
//   - protocol: messages carried inside transport envelopes
//   - watcher: debounced file system monitoring
//   - session: one preview wiring all of the above together
//   - config, logging, errors, validation, version: shared plumbing
//
// # Data Flow
//
// An editor change reaches a page in two ways. The session pushes a
// protocol message over the transport to every page showing the document.
// When a page then requests the file, the static listener asks the
// filtering server, which answers from the registry's in-memory text or
// lets the request fall through to disk.
package internal
