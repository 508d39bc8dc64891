package identity

import "errors"

var (
	// ErrInvalidToken indicates the bearer token failed validation.
	ErrInvalidToken = errors.New("identity: invalid token")

	// ErrMetadataMissing indicates the identity provider's claims carry no
	// organization-membership metadata for this environment. Freshly created
	// external accounts look like this until the out-of-band resync runs.
	ErrMetadataMissing = errors.New("identity: membership metadata missing")
)
