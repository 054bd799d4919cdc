package protocol

// Code is an internal reasoning code. Codes never cross the wire verbatim;
// UserMessage translates them at the response boundary.
type Code string

const (
	CodeUserNotExist     Code = "USER_NOT_EXIST"
	CodeWrongPassword    Code = "WRONG_PASSWORD"
	CodeUserExists       Code = "USER_HAS_EXIST"
	CodeReceiverOffline  Code = "RECEIVER_OFFLINE"
	CodeAlreadyFriend    Code = "ALREADY_FRIEND"
	CodeNotAuthed        Code = "NOT_AUTHENTICATED"
	CodeAlreadyAuthed    Code = "ALREADY_AUTHENTICATED"
	CodeUnknownAction    Code = "UNKNOWN_ACTION"
	CodeInvalidRequest   Code = "INVALID_REQUEST"
	CodeTransferNotFound Code = "TRANSFER_NOT_FOUND"
	CodeInternal         Code = "INTERNAL_ERROR"
)

// UserMessage maps an internal code to the string a client may see.
func UserMessage(c Code) string {
	switch c {
	case CodeUserNotExist:
		return "User does not exist"
	case CodeWrongPassword:
		return "Wrong password"
	case CodeUserExists:
		return "User already exists"
	case CodeReceiverOffline:
		return "Receiver is not online"
	case CodeAlreadyFriend:
		return "Already in friend list"
	case CodeNotAuthed:
		return "Not authenticated"
	case CodeAlreadyAuthed:
		return "Already authenticated"
	case CodeUnknownAction:
		return "Unknown action"
	case CodeInvalidRequest:
		return "Invalid request"
	case CodeTransferNotFound:
		return "File transfer not found"
	default:
		return "Internal error"
	}
}
