// Package wire defines the frames exchanged with the realtime gateway.
//
// Outbound control frames (authenticate, subscription, command) are plain JSON
// objects. Inbound frames arrive as base64 text whose decoded content is a JSON
// object carrying at least a "type" field.
package wire
