package session

import "errors"

// errShutdown is the sentinel runIteration returns when stop() was
// requested, distinguishing a clean shutdown from a real failure
// (spec.md section 7: "Shutdown requested ... Clean stop, not an error").
var errShutdown = errors.New("session: shutdown requested")

// ErrSubscriptionRefused means the sender rejected the subscription
// handshake (unauthorized or unknown feed); fatal to the supervisor per
// spec.md section 7's error taxonomy.
var ErrSubscriptionRefused = errors.New("session: subscription refused")

// errSystem wraps a failure in this process's own machinery (session
// memory, buffer allocation) rather than the network or the sender;
// fatal to the supervisor per spec.md section 7's "System error" row.
var errSystem = errors.New("session: system error")
