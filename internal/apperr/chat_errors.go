package apperr

// Errors returned by the chat service for rule violations.
var (
	ErrSelfDM             = InvalidOperation("cannot open a direct chat with yourself")
	ErrChatNotFound       = NotFound("chat not found")
	ErrMemberNotFound     = NotFound("member not found")
	ErrNotMember          = Forbidden("not a member of this chat")
	ErrNotManager         = Forbidden("only the owner or an admin can manage this chat")
	ErrNotOwner           = Forbidden("only the owner can change roles")
	ErrAdminRemovesMember = Forbidden("admins can remove only plain members")
	ErrRemoveOwner        = InvalidOperation("the owner cannot be removed")
	ErrRemoveSelf         = InvalidOperation("use leave to exit the chat")
	ErrNotGroup           = InvalidOperation("operation is only available for group chats")
	ErrEmptyTitle         = InvalidArg("title cannot be empty")
	ErrEmptyMessage       = InvalidArg("message needs text or attachments")
	ErrTooManyAttachments = InvalidArg("too many attachments")
	ErrNoMembers          = InvalidArg("select at least one member")
	ErrInvalidRole        = InvalidArg("role must be admin or member")
)
