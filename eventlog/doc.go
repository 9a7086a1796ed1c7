// Package eventlog implements the append-only log of change notifications
// that sits between source watchers and the controller.
//
// # Storage
//
// Entries live in Pebble under zero-padded sequence keys, so an iterator
// returns them in sequence order:
//
//	/evlog/{16-hex-digit-seq} -> Pack(msgpack(Notification))
//	/evseq                    -> uint64 last assigned sequence
//	/meta/{source_id}         -> Pack(latest metadata JSON)
//
// # Append
//
// A single writer mutex covers sequence assignment and the batch commit. The
// entry and the new head are committed together with pebble.Sync, and the
// in-memory head only moves after the commit succeeds. Sequences therefore
// start at 1 and have no gaps or duplicates, whatever the number of callers.
//
// # Reads
//
// ReadSince uses a Pebble iterator, which is a point-in-time view: it sees
// every append committed before it was opened and nothing else. Reads never
// take the writer mutex.
//
// # HTTP
//
// Server exposes the log over HTTP and Client is the matching caller used by
// the controller and the source watcher:
//
//	POST /metadata            {source_id, metadata}   -> 201 {status, sequence}
//	POST /events              {source_id, kind, payload}
//	GET  /events?since=&limit=&wait=
//	GET  /metadata/{source_id}
//	GET  /health
package eventlog
