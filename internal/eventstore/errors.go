// Copyright 2025 James Ross
package eventstore

import "errors"

// ErrCardNotFound names a card that does not exist in the durable store.
// Store's methods do not return it: GetCardOutput yields an empty envelope
// for an unknown card.
var ErrCardNotFound = errors.New("card not found")
