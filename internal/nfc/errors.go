package nfc

import "errors"

var (
	// ErrInvalidMessage means the bytes on the tag are not a parseable payload.
	ErrInvalidMessage = errors.New("nfc: invalid tag message")

	// ErrSignatureMismatch means the payload parsed but its HMAC or ECDSA
	// signature did not verify against any trusted key.
	ErrSignatureMismatch = errors.New("nfc: signature mismatch")

	// ErrCorruptedCard means the card state regressed or could not be recovered.
	ErrCorruptedCard = errors.New("nfc: corrupted card")

	// ErrWriteFailure means the tag write did not complete.
	ErrWriteFailure = errors.New("nfc: tag write failure")

	ErrInsufficientFunds = errors.New("nfc: insufficient funds")

	// ErrNoCardFound means an operation was requested while no card is present.
	ErrNoCardFound = errors.New("nfc: no card found")

	// ErrOffline means the operation needs server connectivity and there is none.
	ErrOffline = errors.New("nfc: offline")
)
