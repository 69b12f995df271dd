// Package wire defines the envelope exchanged between the orchestrator and a
// node agent once the control socket is established. Every message is a JSON
// object whose "type" field names the variant; the remaining fields belong to
// that variant. Envelopes travel only inside binary websocket frames.
//
// Typical usage:
//
//	data, _ := wire.Encode(wire.Hello{})
//	msg, err := wire.Decode(data)
//
// Decoding an unregistered variant returns ErrUnknownType so that peers can
// ignore messages added by newer versions instead of dropping the connection.
package wire
