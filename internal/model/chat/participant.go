package chat

// Participant identifies someone present in a conversation room.
type Participant struct {
	ID         string     `json:"id"`
	SenderType SenderType `json:"senderType"`
}
