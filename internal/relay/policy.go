package relay

import "github.com/dkeye/Collab/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

// Policy decides what happens to a member whose send buffer is full.
type Policy interface {
	OnBackPressure(room core.RoomService, member core.MemberSession) BackpressureAction
}

// KickPolicy drops slow members. They reconnect and catch up through
// anti-entropy, so nothing is lost for good.
type KickPolicy struct{}

func (KickPolicy) OnBackPressure(core.RoomService, core.MemberSession) BackpressureAction {
	return KickMember
}

// TolerantPolicy keeps slow members and only loses the frame.
type TolerantPolicy struct{}

func (TolerantPolicy) OnBackPressure(core.RoomService, core.MemberSession) BackpressureAction {
	return DropFrame
}
