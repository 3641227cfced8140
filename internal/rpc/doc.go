// Package rpc serves persistence commands over a framed request stream.
//
// A Codec frames requests and responses (JSON lines or a CBOR sequence),
// the Dispatcher decodes each command's named arguments and calls the
// persistence.Service, and the Server runs requests concurrently up to a
// configured limit while writing responses in completion order.
package rpc
