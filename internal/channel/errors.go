package channel

import (
	"errors"
	"fmt"
	"strings"
)

// Precondition errors returned by Engine operations.
var (
	ErrDuplicateMember             = errors.New("channel: user already exists")
	ErrUnknownMember               = errors.New("channel: user does not exist")
	ErrUnknownSender               = errors.New("channel: sender does not exist")
	ErrInvalidRecipientSet         = errors.New("channel: cannot send to all users except sender when sender is channel")
	ErrUnknownRecipients           = errors.New("channel: unknown recipients")
	ErrPresenceAlreadyTracked      = errors.New("channel: user already has a presence subscription")
	ErrPresenceEngineUninitialized = errors.New("channel: presence engine is not initialized")
	ErrChannelClosed               = errors.New("channel: channel is closed")
)

// UnknownRecipientsError names every recipient of an explicit list that is not
// a member of the channel. It matches ErrUnknownRecipients with errors.Is.
type UnknownRecipientsError struct {
	Channel string
	IDs     []string
}

func (e *UnknownRecipientsError) Error() string {
	return fmt.Sprintf("channel: users %s are not in channel %s", strings.Join(e.IDs, ", "), e.Channel)
}

// Is reports whether target is ErrUnknownRecipients.
func (e *UnknownRecipientsError) Is(target error) bool {
	return target == ErrUnknownRecipients
}

func memberError(sentinel error, userID, channelName string) error {
	return fmt.Errorf("%w: user %s in channel %s", sentinel, userID, channelName)
}
