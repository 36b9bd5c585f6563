package core

import "github.com/dkeye/Collab/internal/domain"

type SessionID string

// MemberSession binds a relay member and its transport endpoint.
// This is what a relay room stores and fans out to.
type MemberSession interface {
	SID() SessionID
	Meta() *domain.Member
	Signal() SignalConnection
}

type memberSession struct {
	sid  SessionID
	meta *domain.Member
	conn SignalConnection
}

func NewMemberSession(sid SessionID, meta *domain.Member, conn SignalConnection) MemberSession {
	return &memberSession{sid: sid, meta: meta, conn: conn}
}

func (m *memberSession) SID() SessionID           { return m.sid }
func (m *memberSession) Meta() *domain.Member     { return m.meta }
func (m *memberSession) Signal() SignalConnection { return m.conn }
