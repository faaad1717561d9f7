// Package fmdx holds the wire model shared with an FM-DX webserver and the
// message types exchanged between the controller and its consumers.
//
// The server exposes two WebSocket endpoints: /text carries JSON RDS records
// downstream and short tune commands upstream, /audio carries a binary MP3
// stream. Frequencies are kHz integers internally and MHz strings on the wire.
package fmdx
