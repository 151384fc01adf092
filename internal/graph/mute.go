package graph

import "sync/atomic"

// MuteNode silences its input while muted. The flag can be changed from
// any goroutine.
type MuteNode struct {
	passthrough
	muted atomic.Bool
}

func NewMuteNode(input Node) *MuteNode {
	return &MuteNode{passthrough: passthrough{input: input}}
}

func (m *MuteNode) SetMuted(b bool) { m.muted.Store(b) }
func (m *MuteNode) IsMuted() bool   { return m.muted.Load() }

func (m *MuteNode) Prepare(info PlayInfo) { m.input.Prepare(info) }

func (m *MuteNode) RenderOver(rc *RenderContext) {
	if m.muted.Load() {
		rc.ClearAudio()
		return
	}
	m.input.RenderOver(rc)
}

func (m *MuteNode) RenderAdding(rc *RenderContext) {
	if m.muted.Load() {
		return
	}
	m.input.RenderAdding(rc)
}
