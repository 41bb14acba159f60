// Package types holds the wire types shared by the app transport, the device
// link and the domain packages.
//
// Every WebSocket text frame is a JSON Message keyed by Type; audio travels
// as binary frames. Encoding goes through bytedance/sonic using the standard
// library compatible configuration so field tags behave like encoding/json.
//
// Example Usage:
//
//	frame, err := types.Encode(&types.Message{Type: types.MsgConnectionAck})
//	msg, err := types.Decode(raw)
package types
