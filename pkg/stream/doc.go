// Package stream implements the length-prefixed frame channel spoken over
// worker pipes.
//
// Every frame is a 4-byte little-endian unsigned length followed by that
// many payload bytes. The payload encoding is private to one running
// controller/worker pair; both directions of every pipe use the same
// framing. A short read on either part of a frame permanently closes the
// channel, and all errors surface as the ErrClosed sentinel rather than
// panics.
package stream
