package domain

// Member is a participant's meta as the relay server sees it.
// No transport or lifecycle logic here.
type Member struct {
	PeerID PeerID
	Name   string
}

func NewMember(id PeerID, name string) *Member {
	return &Member{PeerID: id, Name: name}
}
