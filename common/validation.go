package common

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// roomIDRegex allowed room ID pattern
var roomIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// reservedRoomIDs names taken by the room server's own routes under /v1/room
var reservedRoomIDs = map[string]bool{"alive": true, "ready": true}

// ValidateRoomID check a room ID is usable
//
// Room IDs appear in URL paths and NATS subjects, so they are restricted to word characters
// and '-'. The names of the health routes are reserved.
func ValidateRoomID(roomID string) error {
	if !roomIDRegex.MatchString(roomID) {
		return fmt.Errorf("room ID '%s' is not valid", roomID)
	}
	if reservedRoomIDs[roomID] {
		return fmt.Errorf("room ID '%s' is reserved", roomID)
	}
	return nil
}

// GetValidator define a validator with the custom tags used by this module registered
func GetValidator() *validator.Validate {
	validate := validator.New()
	_ = validate.RegisterValidation("room_id", func(fl validator.FieldLevel) bool {
		return ValidateRoomID(fl.Field().String()) == nil
	})
	return validate
}
