// Package engine runs TLS sessions whose transport is a pair of in-memory
// byte channels instead of a socket.
//
// A host owns the real connection. It passes bytes received from the peer to
// FeedCiphertext, sends whatever DrainOutbound, SendPlaintext or Shutdown
// return, and calls Handshake until it stops reporting ErrWouldBlock.
//
// Each Session runs crypto/tls on a private goroutine that only executes
// while a Session method is blocked waiting for it, so a Session behaves
// like single-threaded code: no call ever waits on the network, and a
// Session must be driven from one goroutine at a time. A Context is shared
// read-only by all sessions created from it.
//
// Session tickets are opt-in per session with FlagUseSessionTicket. A client
// session exports its ticket with SerializeSession and a later client
// session created with that blob offers it to the server.
package engine
