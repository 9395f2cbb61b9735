package models

import "errors"

// Domain errors raised by aggregate operations. Callers translate these into
// protocol rejections or HTTP statuses with errors.Is.
var (
	ErrSessionNotFound          = errors.New("collaboration session not found")
	ErrSessionNotActive         = errors.New("collaboration session is not active")
	ErrSessionAlreadyEnded      = errors.New("collaboration session already ended")
	ErrNotAParticipant          = errors.New("user is not a participant in this session")
	ErrNotAnActiveParticipant   = errors.New("user is not an active participant in this session")
	ErrInsufficientRole         = errors.New("operation requires the editor role")
	ErrAlreadyActiveParticipant = errors.New("user is already an active participant")
	ErrSessionConflict          = errors.New("collaboration session was modified concurrently")

	ErrCommentNotFound     = errors.New("comment not found")
	ErrCommentText         = errors.New("comment text must be between 1 and 2000 characters")
	ErrReplyParentMismatch = errors.New("reply parent id does not match the target comment")
	ErrReplyToReply        = errors.New("replies can only be attached to top-level comments")
	ErrNotCommentAuthor    = errors.New("only the comment author may modify it")

	ErrUserNotFound = errors.New("user not found")
)
