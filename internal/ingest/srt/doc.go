// Package srt implements SRT (Secure Reliable Transport) ingest of the
// length-prefixed H.264 stream, in listener mode (Server) for senders that
// publish to the preview and caller mode (Caller) for pulling from a remote
// SRT listener.
package srt
