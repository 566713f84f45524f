package reboot

import "errors"

// ErrEscalated means the consecutive reboot failure limit was hit. The
// loop must treat it as fatal and end the run in an error state rather
// than keep retrying.
var ErrEscalated = errors.New("reboot failures escalated")
