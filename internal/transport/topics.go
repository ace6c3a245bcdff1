package transport

// Topic names consumed from the server and destinations published to it.
// Per-user queues are addressed with the user id baked into the topic.

const (
	TopicSentBroadcast   = "broadcast.sent"
	TopicTypingBroadcast = "broadcast.typing"
	TopicStatusBroadcast = "broadcast.status"
)

func TopicMessages(user string) string    { return "user." + user + ".queue.messages" }
func TopicChats(user string) string       { return "user." + user + ".queue.chats" }
func TopicSent(user string) string        { return "user." + user + ".queue.sent" }
func TopicTyping(user string) string      { return "user." + user + ".queue.typing" }
func TopicOnlineUsers(user string) string { return "user." + user + ".queue.online-users" }

const (
	DestSendMessage   = "app.send-message"
	DestTyping        = "app.typing"
	DestActive        = "app.presence-active"
	DestInactive      = "app.presence-inactive"
	DestRequestOnline = "app.request-online-users"
)
