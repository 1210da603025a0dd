package chatsync

// OnlineUser is one entry of the presence roster.
type OnlineUser struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	SocketID string `json:"socketId,omitempty"`
}

// RosterEvent carries a full roster snapshot.
type RosterEvent struct {
	Users []OnlineUser `json:"users"`
}

// TypingEvent is emitted when a remote user starts or stops typing.
type TypingEvent struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// NoticeEvent is a server-authored system notice.
type NoticeEvent struct {
	Text string `json:"text"`
}
