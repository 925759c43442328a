// Package codec turns wire bytes into model.StreamEvent values and back.
//
// Two framings are supported:
//
//   - the chunked one-way stream, where records look like "data: <json>\n\n"
//     and a "data: [DONE]" sentinel ends the stream (StreamDecoder), and
//   - the bidirectional socket, where every message is one JSON envelope
//     (DecodeEnvelope / EncodeEnvelope).
//
// Malformed input is never fatal: it is logged, counted and skipped.
package codec
