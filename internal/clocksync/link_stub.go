//go:build !abletonlink

package clocksync

// NewLinkSession joins the local Link network. This build has no Link
// support.
func NewLinkSession(bpm float64) (LinkSession, error) {
	return nil, ErrLinkUnavailable
}
