package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Command layer.
	ErrBadRequest      = "E_BAD_REQUEST"
	ErrUnknownItem     = "E_UNKNOWN_ITEM"
	ErrUnknownSite     = "E_UNKNOWN_SITE"
	ErrUnknownUnit     = "E_UNKNOWN_UNIT"
	ErrSessionNotFound = "E_SESSION_NOT_FOUND"
	ErrDeriveFailed    = "E_DERIVE_FAILED"
	ErrInternal        = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrBadRequest:      {},
	ErrUnknownItem:     {},
	ErrUnknownSite:     {},
	ErrUnknownUnit:     {},
	ErrSessionNotFound: {},
	ErrDeriveFailed:    {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
